// Package upload stores reassembled file-upload payloads.
//
// The coordinator hands each completed file event to a Store; scripts get
// back an opaque location key they can resolve later. DiskStore is the
// default; S3Store targets object storage for hosts that outlive their
// local filesystem.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrTooLarge is returned when a payload exceeds the store's size limit.
var ErrTooLarge = errors.New("upload: payload exceeds size limit")

// ErrNotFound is returned when a stored payload does not exist.
var ErrNotFound = errors.New("upload: not found")

// Store persists upload payloads. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save stores the payload under a new opaque key derived from name.
	Save(ctx context.Context, name string, r io.Reader) (key string, err error)

	// Open streams a previously stored payload.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes a stored payload. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// limitedCopy copies r into w honoring maxSize (0 = unlimited).
func limitedCopy(w io.Writer, r io.Reader, maxSize int64) (int64, error) {
	if maxSize <= 0 {
		return io.Copy(w, r)
	}
	n, err := io.Copy(w, io.LimitReader(r, maxSize+1))
	if err != nil {
		return n, err
	}
	if n > maxSize {
		return n, fmt.Errorf("%w (limit %d bytes)", ErrTooLarge, maxSize)
	}
	return n, nil
}
