package engine

import (
	"context"
	"errors"
	"io"
)

// ErrUploadUnsupported is returned by a Prober whose server has no upload
// endpoint. The engine then derives the upload figure from the download.
var ErrUploadUnsupported = errors.New("upload endpoint unavailable")

// Prober performs the network operations of a run. Every method must give
// up when ctx is canceled.
type Prober interface {
	// Ping performs one minimal round trip.
	Ping(ctx context.Context) error
	// Download opens the download stream.
	Download(ctx context.Context) (*Stream, error)
	// Upload sends body until it returns io.EOF and waits for the server to
	// acknowledge the transfer.
	Upload(ctx context.Context, body io.Reader) error
}

// Stream is an open download.
type Stream struct {
	Body io.ReadCloser
	// Size is the announced length in bytes, or -1 when unknown.
	Size int64
}
