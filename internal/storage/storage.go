package storage

import (
	"context"
	"io"
)

// FileStorage is the blob store holding snap and message media. The core
// never inspects the bytes; it only carries the returned locator.
type FileStorage interface {
	// SaveFile uploads the bytes and returns their locator
	SaveFile(ctx context.Context, file io.Reader, filename string, contentType string) (string, error)
	// DeleteFile removes the blob behind a locator
	DeleteFile(ctx context.Context, locator string) error
}
