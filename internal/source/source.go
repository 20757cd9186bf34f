// Package source reads governance files from the upstream repository.
package source

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable wraps every failure to read from the source; callers skip
// the affected unit.
var ErrUnavailable = errors.New("source unavailable")

type Source interface {
	// Fetch returns the file content of path at ref.
	Fetch(ctx context.Context, path, ref string) (string, error)
	// List returns every markdown path present at ref, sorted.
	List(ctx context.Context, ref string) ([]string, error)
}

func unavailable(op, target string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, op, target, err)
}
