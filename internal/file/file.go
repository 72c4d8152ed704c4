// Package file handles the local side of a transfer: describing a source
// file and saving a verified artifact.
package file

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"peerdrop/pkg/types"
	"peerdrop/pkg/utils"

	"github.com/sirupsen/logrus"
)

const defaultMimeType = "application/octet-stream"

var ErrInvalidName = errors.New("file name is not usable on this system")

// Source is an open file together with its announced metadata.
type Source struct {
	*os.File
	Metadata types.FileMetadata
}

// FileService handles file operations for both ends of a transfer
type FileService struct{}

func NewFileService() *FileService {
	return &FileService{}
}

// Open opens filePath for sending and computes its metadata. The caller
// closes the returned Source.
func (f *FileService) Open(filePath string) (*Source, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	if stat.IsDir() {
		file.Close()
		return nil, fmt.Errorf("%s is a directory", filePath)
	}

	meta, err := Describe(file, stat.Name(), stat.Size())
	if err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to rewind file: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"file":     meta.Name,
		"size":     meta.Size,
		"type":     meta.Type,
		"checksum": meta.Checksum,
	}).Debug("Prepared file for sending")

	return &Source{File: file, Metadata: meta}, nil
}

// Describe reads r to the end and returns metadata for it. The MIME type
// comes from the name's extension.
func Describe(r io.Reader, name string, size int64) (types.FileMetadata, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return types.FileMetadata{}, fmt.Errorf("failed to hash file: %w", err)
	}
	if n != size {
		return types.FileMetadata{}, fmt.Errorf("file changed while hashing: read %d of %d bytes", n, size)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = defaultMimeType
	}

	return types.FileMetadata{
		Name:     name,
		Size:     size,
		Type:     mimeType,
		Checksum: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Save writes a verified artifact into destDir under its announced name and
// returns the final path. An existing file is never overwritten; a numbered
// name is chosen instead.
func (f *FileService) Save(destDir string, artifact *types.Artifact) (string, error) {
	dir, err := utils.ResolveDestinationPath(destDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	name, err := sanitizeName(artifact.Metadata.Name)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, ".peerdrop-*")
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(artifact.Data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close file: %w", err)
	}

	for i := 0; ; i++ {
		dst := filepath.Join(dir, numbered(name, i))
		if _, err := os.Lstat(dst); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("cannot access %s: %w", dst, err)
		}
		if err := os.Link(tmp.Name(), dst); err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}
			// filesystems without hard links
			if err := os.Rename(tmp.Name(), dst); err != nil {
				return "", fmt.Errorf("failed to move file into place: %w", err)
			}
		}
		logrus.WithFields(logrus.Fields{"path": dst, "size": len(artifact.Data)}).Info("Saved received file")
		return dst, nil
	}
}

// sanitizeName strips any directory components a peer may have sent.
func sanitizeName(name string) (string, error) {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "/" || name == "" {
		return "", ErrInvalidName
	}
	return name, nil
}

// numbered returns "name", "name (1).ext", "name (2).ext", ...
func numbered(name string, i int) string {
	if i == 0 {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s (%d)%s", base, i, ext)
}
