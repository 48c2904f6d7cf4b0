package crawler

import (
	"context"
	"io"
	"time"
)

// Store is an id-keyed card collection ordered by card id.
type Store interface {
	Upsert(ctx context.Context, card Card) error
	All(ctx context.Context) ([]Card, error)
	FindByCategory(ctx context.Context, category Category) ([]Card, error)
	Size(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// MainStore is the committed snapshot read by the draw path. ReplaceAll must be
// atomic with respect to concurrent readers.
type MainStore interface {
	Store
	ReplaceAll(ctx context.Context, cards []Card) error
}

// Fetcher retrieves one catalog page.
type Fetcher interface {
	Fetch(ctx context.Context, page, pageSize int) (Page, error)
}

// Extractor turns page content into cards.
type Extractor interface {
	Extract(ctx context.Context, content []byte) ([]Card, error)
}

// Notifier delivers a fire-and-forget message and reports whether it was sent.
type Notifier interface {
	Notify(ctx context.Context, title, body string) bool
}

// Prompt is the question put to a Confirmer.
type Prompt struct {
	Title       string
	Body        string
	MainSize    int
	StagingSize int
}

// Confirmer blocks until a yes/no answer is available for the prompt.
type Confirmer interface {
	Confirm(ctx context.Context, prompt Prompt) (bool, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes commit events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces cycle and confirmation IDs.
type IDGenerator interface {
	NewID() (string, error)
}
