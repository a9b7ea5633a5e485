package metafile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDumpLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta", "host.meta")
	m := New(path, "test")

	want := Data{ServicePort: 65000}
	require.NoError(t, m.Dump(want))

	got := m.Load()
	assert.Equal(t, want, got)
}

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "absent.meta"), "test")
	assert.Equal(t, Data{}, m.Load())
}

func TestLoadCorruptedSignatureIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.meta")
	m := New(path, "test")
	require.NoError(t, m.Dump(Data{ServicePort: 111}))

	// flip a byte in the signature
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[0] ^= 0xff
	require.NoError(t, os.WriteFile(path, b, 0644))

	assert.Equal(t, Data{}, m.Load())
}

func TestLoadTruncatedFileIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.meta")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("short"), 0644))

	m := New(path, "test")
	assert.Equal(t, Data{}, m.Load())
}
