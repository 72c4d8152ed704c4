package file

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"peerdrop/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribe(t *testing.T) {
	meta, err := Describe(bytes.NewReader([]byte("abc")), "notes.txt", 3)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", meta.Name)
	assert.Equal(t, int64(3), meta.Size)
	assert.Contains(t, meta.Type, "text/plain")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", meta.Checksum)
	require.NoError(t, meta.Validate())

	meta, err = Describe(bytes.NewReader(nil), "blob", 0)
	require.NoError(t, err)
	assert.Equal(t, defaultMimeType, meta.Type)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", meta.Checksum)

	_, err = Describe(bytes.NewReader([]byte("abc")), "short", 10)
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	src, err := NewFileService().Open(path)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, "data.bin", src.Metadata.Name)
	assert.Equal(t, int64(11), src.Metadata.Size)

	buf := make([]byte, 5)
	_, err = src.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	_, err = NewFileService().Open(dir)
	assert.Error(t, err)
	_, err = NewFileService().Open(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestSaveDoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	svc := NewFileService()
	artifact := &types.Artifact{Metadata: types.FileMetadata{Name: "photo.jpg"}, Data: []byte("first")}

	first, err := svc.Save(dir, artifact)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "photo.jpg"), first)

	artifact.Data = []byte("second")
	second, err := svc.Save(dir, artifact)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "photo (1).jpg"), second)

	got, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
	got, err = os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temporary file left behind")
}

func TestSaveStripsDirectories(t *testing.T) {
	dir := t.TempDir()
	artifact := &types.Artifact{Metadata: types.FileMetadata{Name: "../../etc/passwd"}, Data: []byte("x")}

	path, err := NewFileService().Save(dir, artifact)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "passwd"), path)

	artifact.Metadata.Name = ".."
	_, err = NewFileService().Save(dir, artifact)
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestNumbered(t *testing.T) {
	tests := []struct {
		name string
		i    int
		want string
	}{
		{"a.txt", 0, "a.txt"},
		{"a.txt", 2, "a (2).txt"},
		{"archive.tar.gz", 1, "archive.tar (1).gz"},
		{"README", 3, "README (3)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, numbered(tt.name, tt.i))
	}
}
