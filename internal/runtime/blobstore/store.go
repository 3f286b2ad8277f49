package blobstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RefPrefix marks every reference issued by a Store.
const RefPrefix = "blob:"

// ErrNotFound is returned when a reference was never issued or has been revoked.
var ErrNotFound = errors.New("blobstore: reference not found")

// Blob is an encoded image held behind a revocable reference.
type Blob struct {
	ContentType string    `json:"contentType"`
	Data        []byte    `json:"data"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store issues opaque, revocable references for encoded thumbnails. A reference
// stays valid until Revoke is called, so callers must revoke the previous
// reference for a slide before replacing it.
type Store interface {
	Put(ctx context.Context, blob Blob) (string, error)
	Get(ctx context.Context, ref string) (Blob, error)
	Revoke(ctx context.Context, ref string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// NewRef returns a fresh opaque reference.
func NewRef() string {
	return RefPrefix + uuid.NewString()
}

// ValidRef reports whether ref looks like a reference issued by a Store.
func ValidRef(ref string) bool {
	rest, ok := strings.CutPrefix(ref, RefPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
