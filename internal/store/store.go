// Package store defines the external DocumentStore contract the core
// consumes for document metadata and persisted CRDT state, plus a
// Redis-backed and an in-memory implementation of it.
package store

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Metadata when the document does not exist.
var ErrNotFound = errors.New("store: document not found")

// Metadata describes access control and existence for a document.
type Metadata struct {
	Exists          bool
	IsPublic        bool
	OwnerId         string
	CollaboratorIds []string
}

// DocumentStore is the persistence boundary the core treats as an
// external collaborator: it owns the relational/object storage for
// document metadata and the serialized CRDT blob.
type DocumentStore interface {
	// Metadata returns access-control metadata, or ErrNotFound.
	Metadata(ctx context.Context, documentId string) (Metadata, error)
	// LoadState returns the last persisted snapshot, or nil if the
	// document has never been edited.
	LoadState(ctx context.Context, documentId string) ([]byte, error)
	// SaveState persists a snapshot.
	SaveState(ctx context.Context, documentId string, data []byte) error
}
