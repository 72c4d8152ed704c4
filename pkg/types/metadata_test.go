package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileMetadataValidate(t *testing.T) {
	valid := FileMetadata{
		Name:     "report.pdf",
		Size:     42,
		Type:     "application/pdf",
		Checksum: strings.Repeat("ab", 32),
	}

	tests := []struct {
		name    string
		mutate  func(*FileMetadata)
		wantErr bool
	}{
		{"valid", func(*FileMetadata) {}, false},
		{"empty file allowed", func(m *FileMetadata) { m.Size = 0 }, false},
		{"missing name", func(m *FileMetadata) { m.Name = "" }, true},
		{"negative size", func(m *FileMetadata) { m.Size = -1 }, true},
		{"short checksum", func(m *FileMetadata) { m.Checksum = "abc" }, true},
		{"uppercase checksum", func(m *FileMetadata) { m.Checksum = strings.Repeat("AB", 32) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid
			tt.mutate(&m)
			if tt.wantErr {
				assert.Error(t, m.Validate())
			} else {
				assert.NoError(t, m.Validate())
			}
		})
	}
}
