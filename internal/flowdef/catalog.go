package flowdef

import (
	"context"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rendis/funnel/internal/engine"
	"github.com/rendis/funnel/internal/source"
	"github.com/rendis/funnel/pkg/schema"
)

// scriptExts are tried in order when a ref names a script without extension.
var scriptExts = []string{".yaml", ".yml", ".json"}

// Catalog resolves script refs to compiled scripts. A ref's ID, or else its
// Name, is the file name; its Version is the release, defaulting to the
// catalog release. Compiled scripts are cached per file and release.
type Catalog struct {
	provider source.Provider
	compiler *Compiler
	author   string
	release  string

	mu    sync.RWMutex
	cache map[string]*Script
	group singleflight.Group
}

// NewCatalog creates a catalog reading the scripts of author.
func NewCatalog(provider source.Provider, compiler *Compiler, author, release string) *Catalog {
	return &Catalog{
		provider: provider,
		compiler: compiler,
		author:   author,
		release:  release,
		cache:    make(map[string]*Script),
	}
}

// Resolve implements engine.ScriptResolver.
func (c *Catalog) Resolve(ctx context.Context, ref schema.ScriptRef) (engine.Script, error) {
	return c.Load(ctx, ref)
}

// Load returns the compiled script of ref.
func (c *Catalog) Load(ctx context.Context, ref schema.ScriptRef) (*Script, error) {
	if ref.Ambiguous() {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "script ref %s names both an id and a name", ref)
	}
	name := ref.ID
	if name == "" {
		name = ref.Name
	}
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "script ref names no script")
	}
	release := ref.Version
	if release == "" {
		release = c.release
	}
	key := name + "@" + release

	c.mu.RLock()
	sc, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return sc, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		sc, ok := c.cache[key]
		c.mu.RUnlock()
		if ok {
			return sc, nil
		}
		sc, err := c.load(ctx, name, release)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[key] = sc
		c.mu.Unlock()
		return sc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Script), nil
}

func (c *Catalog) load(ctx context.Context, name, release string) (*Script, error) {
	files := []string{name}
	if !hasScriptExt(name) {
		files = files[:0]
		for _, ext := range scriptExts {
			files = append(files, name+ext)
		}
	}

	var lastErr error
	for _, file := range files {
		data, err := c.provider.GetVersion(ctx, c.author, file, release)
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}
		def, err := Decode(file, data)
		if err != nil {
			return nil, err
		}
		return c.compiler.Compile(def)
	}
	return nil, lastErr
}

// Invalidate drops every cached script, so edited files are read again.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.cache)
}

func hasScriptExt(name string) bool {
	return slices.ContainsFunc(scriptExts, func(ext string) bool { return strings.HasSuffix(name, ext) })
}

var _ engine.ScriptResolver = (*Catalog)(nil)
