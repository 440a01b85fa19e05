package secrets

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/funnel/internal/store"
	"github.com/rendis/funnel/pkg/schema"
)

type mapStore struct {
	data map[string][]byte
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (m *mapStore) PutSafevar(_ context.Context, name string, value []byte) error {
	m.data[name] = bytes.Clone(value)
	return nil
}

func (m *mapStore) GetSafevar(_ context.Context, name string) ([]byte, error) {
	v, ok := m.data[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "safevar %q not found", name)
	}
	return v, nil
}

func (m *mapStore) DeleteSafevar(_ context.Context, name string) error {
	if _, ok := m.data[name]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "safevar %q not found", name)
	}
	delete(m.data, name)
	return nil
}

func (m *mapStore) ListSafevars(_ context.Context) ([]string, error) {
	names := make([]string, 0, len(m.data))
	for k := range m.data {
		names = append(names, k)
	}
	return names, nil
}

func testKey(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b + byte(i)
	}
	return key
}

func testVault(t *testing.T) (*AESVault, *mapStore) {
	t.Helper()
	s := newMapStore()
	v, err := NewAESVault(s, VaultConfig{MasterKey: testKey(0)})
	require.NoError(t, err)
	return v, s
}

func TestAESVault_PutAndReveal(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Put(ctx, "openai", "sk-secret-123"))
	assert.NotContains(t, string(s.data["openai"]), "sk-secret-123")

	val, err := v.Reveal(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret-123", val)
}

func TestAESVault_LibSQLStore(t *testing.T) {
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "funnel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	v, err := NewAESVault(st, VaultConfig{Passphrase: "correct horse", Salt: []byte("funnel-test-salt"), Iterations: 1000})
	require.NoError(t, err)

	require.NoError(t, v.Put(ctx, "crm", "v1"))
	require.NoError(t, v.Put(ctx, "crm", "v2"))
	val, err := v.Reveal(ctx, "crm")
	require.NoError(t, err)
	assert.Equal(t, "v2", val)

	names, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"crm"}, names)

	require.NoError(t, v.Delete(ctx, "crm"))
	_, err = v.Reveal(ctx, "crm")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestAESVault_WrongKey(t *testing.T) {
	s := newMapStore()
	ctx := context.Background()

	v1, err := NewAESVault(s, VaultConfig{MasterKey: testKey(0)})
	require.NoError(t, err)
	require.NoError(t, v1.Put(ctx, "secret", "hidden"))

	v2, err := NewAESVault(s, VaultConfig{MasterKey: testKey(1)})
	require.NoError(t, err)
	_, err = v2.Reveal(ctx, "secret")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestAESVault_BoundToName(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Put(ctx, "a", "value"))
	s.data["b"] = s.data["a"]

	_, err := v.Reveal(ctx, "b")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestAESVault_UniqueNonces(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Put(ctx, "k", "same"))
	first := bytes.Clone(s.data["k"])
	require.NoError(t, v.Put(ctx, "k", "same"))
	assert.False(t, bytes.Equal(first, s.data["k"]))
}

func TestAESVault_EmptyValue(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Put(ctx, "empty", ""))
	val, err := v.Reveal(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, val)
}

func TestAESVault_Truncated(t *testing.T) {
	v, s := testVault(t)
	s.data["short"] = []byte{1, 2}
	_, err := v.Reveal(context.Background(), "short")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestNewAESVault_Config(t *testing.T) {
	tests := []struct {
		name string
		cfg  VaultConfig
	}{
		{"short master key", VaultConfig{MasterKey: []byte("too-short")}},
		{"nothing", VaultConfig{}},
		{"passphrase without salt", VaultConfig{Passphrase: "pass"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESVault(newMapStore(), tt.cfg)
			assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
		})
	}
}

func TestAESVault_PutRequiresName(t *testing.T) {
	v, _ := testVault(t)
	err := v.Put(context.Background(), "", "x")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
