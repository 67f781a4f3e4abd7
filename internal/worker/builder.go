package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"taskcache/internal/config"
	"taskcache/internal/keys"
	"taskcache/internal/queue"
)

// Kind selects what a task does with its URL.
type Kind string

const (
	KindFetch     Kind = "fetch"
	KindThumbnail Kind = "thumbnail"
)

var (
	ErrUnsupportedKind = errors.New("unsupported task kind")
	ErrInvalidURL      = errors.New("invalid url")
)

// Request describes one unit of work as accepted from callers.
type Request struct {
	Kind      Kind   `json:"kind" validate:"omitempty,oneof=fetch thumbnail"`
	URL       string `json:"url" validate:"required,url"`
	Width     int    `json:"width,omitempty" validate:"gte=0,lte=4096"`
	Grayscale bool   `json:"grayscale,omitempty"`
}

// Builder turns requests into cache keys and work closures.
type Builder struct {
	fetcher      *Fetcher
	defaultWidth int
}

func NewBuilder(cfg config.Config) *Builder {
	return &Builder{
		fetcher:      NewFetcher(cfg.FetchTimeout, cfg.FetchMaxBytes),
		defaultWidth: cfg.ThumbnailWidth,
	}
}

// Build returns the input key that identifies req's result and the work that
// computes it. Requests that differ only in tracking parameters share a key.
func (b *Builder) Build(req Request) (string, queue.Work, error) {
	raw := strings.TrimSpace(req.URL)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidURL, req.URL)
	}
	normalized := keys.Normalize(raw)

	switch req.Kind {
	case KindFetch, "":
		return normalized, func(ctx context.Context) ([]byte, error) {
			body, _, err := b.fetcher.Fetch(ctx, raw)
			return body, err
		}, nil
	case KindThumbnail:
		width := req.Width
		if width <= 0 {
			width = b.defaultWidth
		}
		if width <= 0 {
			width = defaultThumbnailWidth
		}
		key := fmt.Sprintf("thumbnail:w=%d:g=%t:%s", width, req.Grayscale, normalized)
		grayscale := req.Grayscale
		return key, func(ctx context.Context) ([]byte, error) {
			body, _, err := b.fetcher.Fetch(ctx, raw)
			if err != nil {
				return nil, err
			}
			return Thumbnail(body, width, grayscale)
		}, nil
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, req.Kind)
	}
}
