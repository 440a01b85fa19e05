package flowdef

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/funnel/internal/source"
	"github.com/rendis/funnel/pkg/schema"
)

type countingProvider struct {
	source.Provider
	reads atomic.Int32
}

func (p *countingProvider) GetVersion(ctx context.Context, author, file, release string) ([]byte, error) {
	p.reads.Add(1)
	return p.Provider.GetVersion(ctx, author, file, release)
}

func writeFunnel(t *testing.T, root, release, file, content string) {
	t.Helper()
	dir := filepath.Join(root, "acme", release)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
}

func newTestCatalog(t *testing.T) (*Catalog, *countingProvider) {
	t.Helper()
	root := t.TempDir()
	writeFunnel(t, root, "main", "qualify.yaml", qualifyYAML)
	writeFunnel(t, root, "v2", "qualify.json", `{"name":"qualify","version":"2","start":{"next":[{"end":"COMPLETED"}]}}`)
	writeFunnel(t, root, "main", "broken.yaml", "name: broken\nstages:\n  - name: a\n  - name: a\n")

	p := &countingProvider{Provider: source.NewDir(root)}
	return NewCatalog(p, newCompiler(t), "acme", "main"), p
}

func TestCatalog_Load(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()

	sc, err := c.Load(ctx, schema.ScriptRef{Name: "qualify"})
	require.NoError(t, err)
	assert.Equal(t, "1", sc.Definition().Version)

	sc, err = c.Load(ctx, schema.ScriptRef{ID: "qualify", Version: "v2"})
	require.NoError(t, err)
	assert.Equal(t, "2", sc.Definition().Version, "falls through to .json")

	sc, err = c.Load(ctx, schema.ScriptRef{Name: "qualify.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "qualify", sc.Definition().Name)
}

func TestCatalog_Errors(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()

	_, err := c.Resolve(ctx, schema.ScriptRef{Name: "missing"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = c.Resolve(ctx, schema.ScriptRef{ID: "a", Name: "b"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))

	_, err = c.Resolve(ctx, schema.ScriptRef{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))

	_, err = c.Resolve(ctx, schema.ScriptRef{Name: "broken"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration), "duplicate stage names")
}

func TestCatalog_CachesAndInvalidates(t *testing.T) {
	c, p := newTestCatalog(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	scripts := make([]*Script, 8)
	for i := range scripts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sc, err := c.Load(ctx, schema.ScriptRef{Name: "qualify"})
			assert.NoError(t, err)
			scripts[i] = sc
		}()
	}
	wg.Wait()
	for _, sc := range scripts[1:] {
		assert.Same(t, scripts[0], sc)
	}
	reads := p.reads.Load()
	assert.Equal(t, int32(1), reads)

	_, err := c.Load(ctx, schema.ScriptRef{Name: "qualify"})
	require.NoError(t, err)
	assert.Equal(t, reads, p.reads.Load(), "cached")

	c.Invalidate()
	_, err = c.Load(ctx, schema.ScriptRef{Name: "qualify"})
	require.NoError(t, err)
	assert.Equal(t, reads+1, p.reads.Load())
}

func TestCatalog_ExampleFunnels(t *testing.T) {
	root := filepath.Join("..", "..", "examples", "lead-qualifier", "scripts")
	c := NewCatalog(source.NewDir(root), newCompiler(t), "acme", "main")

	sc, err := c.Load(context.Background(), schema.ScriptRef{Name: "qualify"})
	require.NoError(t, err)
	names := make([]string, 0, len(sc.Stages()))
	for _, st := range sc.Stages() {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{"ask_name", "ask_interest", "offer", "nurture"}, names)
}
