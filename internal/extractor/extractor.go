// Package extractor turns a card search listing page into card records.
package extractor

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mtAerohand/draw/internal/crawler"
)

const (
	entrySelector    = "div#card_list > div"
	categorySelector = "span.box_card_attribute span"
	linkSelector     = "input.link_value"
)

var cidPattern = regexp.MustCompile(`cid=(\d+)`)

// Category labels shown on the listing for the ja and en locales.
var categoryLabels = map[string]crawler.Category{
	"魔法":    crawler.CategorySpell,
	"罠":     crawler.CategoryTrap,
	"Spell": crawler.CategorySpell,
	"Trap":  crawler.CategoryTrap,
}

// Config controls how detail links are qualified.
type Config struct {
	BaseURL string
	Locale  string
}

// Extractor implements crawler.Extractor with goquery.
type Extractor struct {
	baseURL string
	locale  string
}

// New builds an Extractor.
func New(cfg Config) *Extractor {
	return &Extractor{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		locale:  cfg.Locale,
	}
}

// Extract parses every card entry on the page. A page without a card list
// yields no cards. A malformed entry fails the whole page with a
// *crawler.ParseError.
func (e *Extractor) Extract(ctx context.Context, content []byte) ([]crawler.Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("extract canceled: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, &crawler.ParseError{Index: -1, Reason: "invalid document", Err: err}
	}

	entries := doc.Find(entrySelector)
	cards := make([]crawler.Card, 0, entries.Length())
	var parseErr error
	entries.EachWithBreak(func(i int, entry *goquery.Selection) bool {
		card, err := e.extractEntry(i, entry)
		if err != nil {
			parseErr = err
			return false
		}
		cards = append(cards, card)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return cards, nil
}

func (e *Extractor) extractEntry(index int, entry *goquery.Selection) (crawler.Card, error) {
	href, ok := entry.Find(linkSelector).First().Attr("value")
	if !ok || strings.TrimSpace(href) == "" {
		return crawler.Card{}, &crawler.ParseError{Index: index, Reason: "missing detail link"}
	}
	href = strings.TrimSpace(href)

	match := cidPattern.FindStringSubmatch(href)
	if match == nil {
		return crawler.Card{}, &crawler.ParseError{Index: index, Reason: fmt.Sprintf("no cid in link %q", href)}
	}
	id, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil || id <= 0 {
		return crawler.Card{}, &crawler.ParseError{Index: index, Reason: fmt.Sprintf("bad cid %q", match[1]), Err: err}
	}

	return crawler.Card{
		ID:       id,
		Category: categoryOf(entry.Find(categorySelector).First().Text()),
		Link:     e.qualify(href),
	}, nil
}

func categoryOf(label string) crawler.Category {
	if category, ok := categoryLabels[strings.TrimSpace(label)]; ok {
		return category
	}
	return crawler.CategoryMonster
}

func (e *Extractor) qualify(href string) string {
	link := href
	if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
		link = e.baseURL + href
	}
	if e.locale != "" {
		link += "&request_locale=" + e.locale
	}
	return link
}
