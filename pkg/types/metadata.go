package types

import (
	"errors"
	"fmt"
	"regexp"
)

var checksumPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// FileMetadata describes the file being transferred. It is immutable once sent.
type FileMetadata struct {
	Name     string `json:"name"`     // Original filename
	Size     int64  `json:"size"`     // File size in bytes
	Type     string `json:"type"`     // MIME type of the file
	Checksum string `json:"checksum"` // SHA-256, lowercase hex
}

// Validate checks the fields a receiver relies on for reassembly and verification.
func (m FileMetadata) Validate() error {
	if m.Name == "" {
		return errors.New("file name is empty")
	}
	if m.Size < 0 {
		return fmt.Errorf("negative file size %d", m.Size)
	}
	if !checksumPattern.MatchString(m.Checksum) {
		return fmt.Errorf("checksum %q is not 64 lowercase hex characters", m.Checksum)
	}
	return nil
}

// Artifact is a received file that passed verification and completion.
type Artifact struct {
	Metadata FileMetadata
	Data     []byte
}
