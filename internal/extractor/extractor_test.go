package extractor

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtAerohand/draw/internal/crawler"
)

func entry(label, link string) string {
	var b strings.Builder
	b.WriteString(`<div class="t_row">`)
	fmt.Fprintf(&b, `<span class="box_card_attribute"><span>%s</span></span>`, label)
	if link != "" {
		fmt.Fprintf(&b, `<input type="hidden" class="link_value" value="%s">`, link)
	}
	b.WriteString(`</div>`)
	return b.String()
}

func listing(entries ...string) []byte {
	return []byte(`<html><body><div id="card_list">` + strings.Join(entries, "") + `</div></body></html>`)
}

func newTestExtractor() *Extractor {
	return New(Config{BaseURL: "https://www.db.yugioh-card.com/", Locale: "ja"})
}

func TestExtractCategoriesAndLinks(t *testing.T) {
	t.Parallel()

	page := listing(
		entry("闇属性", "/yugiohdb/card_search.action?ope=2&cid=4007"),
		entry("魔法", "/yugiohdb/card_search.action?ope=2&cid=4844"),
		entry("罠", "/yugiohdb/card_search.action?ope=2&cid=4861"),
	)

	cards, err := newTestExtractor().Extract(context.Background(), page)
	require.NoError(t, err)
	require.Len(t, cards, 3)

	assert.Equal(t, crawler.Card{
		ID:       4007,
		Category: crawler.CategoryMonster,
		Link:     "https://www.db.yugioh-card.com/yugiohdb/card_search.action?ope=2&cid=4007&request_locale=ja",
	}, cards[0])
	assert.Equal(t, crawler.CategorySpell, cards[1].Category)
	assert.Equal(t, int64(4844), cards[1].ID)
	assert.Equal(t, crawler.CategoryTrap, cards[2].Category)
	for _, card := range cards {
		assert.NoError(t, card.Validate())
	}
}

func TestExtractEnglishLabels(t *testing.T) {
	t.Parallel()

	cards, err := New(Config{BaseURL: "https://cards.test", Locale: "en"}).Extract(context.Background(), listing(
		entry("Spell", "/c?cid=1"),
		entry("Trap", "/c?cid=2"),
		entry("LIGHT", "/c?cid=3"),
	))
	require.NoError(t, err)
	assert.Equal(t, []crawler.Category{crawler.CategorySpell, crawler.CategoryTrap, crawler.CategoryMonster},
		[]crawler.Category{cards[0].Category, cards[1].Category, cards[2].Category})
	assert.Equal(t, "https://cards.test/c?cid=1&request_locale=en", cards[0].Link)
}

func TestExtractEmptyPages(t *testing.T) {
	t.Parallel()

	cases := map[string][]byte{
		"no list":     []byte(`<html><body><p>メンテナンス中</p></body></html>`),
		"empty list":  listing(),
		"empty input": nil,
	}
	for name, page := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cards, err := newTestExtractor().Extract(context.Background(), page)
			require.NoError(t, err)
			assert.Empty(t, cards)
		})
	}
}

func TestExtractMalformedEntryFailsPage(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing link": entry("魔法", ""),
		"missing cid":  entry("魔法", "/yugiohdb/card_search.action?ope=2"),
		"zero cid":     entry("魔法", "/yugiohdb/card_search.action?cid=0"),
		"overflow cid": entry("魔法", "/yugiohdb/card_search.action?cid=99999999999999999999"),
	}
	for name, bad := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			page := listing(entry("罠", "/c?cid=10"), bad)
			cards, err := newTestExtractor().Extract(context.Background(), page)
			require.Error(t, err)
			assert.Nil(t, cards)

			var parseErr *crawler.ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Equal(t, 1, parseErr.Index)
			assert.Equal(t, "parse_error", crawler.ErrorKind(err))
		})
	}
}

func TestExtractHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestExtractor().Extract(ctx, listing(entry("罠", "/c?cid=1")))
	require.ErrorIs(t, err, context.Canceled)
}
