// Package crawler holds the card model, the ports every subsystem implements and
// the crawl loop that drives fetch, extract, stage and reconcile cycles against
// the paginated catalog.
package crawler
