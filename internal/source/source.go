// Package source loads versioned funnel script files.
package source

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/funnel/pkg/schema"
)

// Provider returns the content of one script file at one release.
type Provider interface {
	GetVersion(ctx context.Context, authorID, fileName, releaseHash string) ([]byte, error)
}

// Dir serves scripts from a directory tree laid out as
// <root>/<author>/<release>/<file>.
type Dir struct {
	root string
}

// NewDir creates a provider rooted at root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// GetVersion reads the file. A missing author, release or file is NOT_FOUND.
func (d *Dir) GetVersion(ctx context.Context, authorID, fileName, releaseHash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for name, v := range map[string]string{"author": authorID, "file": fileName, "release": releaseHash} {
		if err := checkSegment(name, v); err != nil {
			return nil, err
		}
	}

	path := filepath.Join(d.root, authorID, releaseHash, fileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"script %s/%s not found at release %s", authorID, fileName, releaseHash).
			WithDetails(map[string]any{"author": authorID, "file": fileName, "release": releaseHash})
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read script %s: %s", path, err.Error()).WithCause(err)
	}
	return data, nil
}

// checkSegment keeps every part of the path inside its directory level.
func checkSegment(name, v string) error {
	if v == "" || v == "." || v == ".." || strings.ContainsAny(v, `/\`) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid script %s %q", name, v)
	}
	return nil
}

var _ Provider = (*Dir)(nil)
