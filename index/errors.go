package index

import (
	"errors"
	"fmt"
)

var (
	// ErrNotBuilt is returned by Reopen when no index has been persisted yet.
	ErrNotBuilt = errors.New("index has not been built")
	// ErrNoDocuments is returned when a build or insert has nothing to index.
	ErrNoDocuments = errors.New("no documents to index")
)

// PersistenceError reports a failure to read or write the persistence directory.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
