package fetcher

import (
	"context"
	"io"
)

// Fetcher defines the interface for talking to remote JSON APIs.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// GetJSON fetches the URL and decodes the JSON response into v.
	GetJSON(ctx context.Context, url string, v any) error

	// PostJSON sends body as JSON to the URL and decodes the response into v.
	PostJSON(ctx context.Context, url string, body any, v any) error
}
