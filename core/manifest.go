package core

// manifest.go provides the VFS-facing view over Persistence's
// ManifestRecord, plus the input-validation helpers applied at the
// Orchestrator boundary.

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileMetadata is the read-only view handed back by list_files.
type FileMetadata struct {
	Path        string `json:"path"`
	Size        uint64 `json:"size"`
	BlockCount  int    `json:"block_count"`
	UUID        string `json:"uuid"`
	CreatedAt   int64  `json:"created_at"`
	ModifiedAt  int64  `json:"modified_at"`
	ContentType string `json:"content_type"`
}

func metadataFromManifest(path string, m *ManifestRecord) FileMetadata {
	return FileMetadata{
		Path:        path,
		Size:        m.SizeBytes,
		BlockCount:  m.BlockCount,
		UUID:        m.HeadUUID.String(),
		CreatedAt:   m.CreatedAt,
		ModifiedAt:  m.ModifiedAt,
		ContentType: m.ContentType,
	}
}

// sniffContentType makes a best-effort guess at a file's content type from
// its extension alone, with a plain switch rather than a MIME-sniffing
// dependency. It is unrelated to compression.go's classification, which
// looks at entropy and magic bytes.
func sniffContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".txt", ".md", ".log":
		return "text/plain"
	case ".json":
		return "application/json"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".pdf":
		return "application/pdf"
	case "":
		return "application/octet-stream"
	default:
		return "application/octet-stream"
	}
}

func fileExtension(path string) string {
	return strings.TrimPrefix(filepath.Ext(path), ".")
}

// validatePath enforces the Orchestrator-boundary path rules: non-empty,
// <=4096 bytes, no null bytes, no ".." components after normalization.
func validatePath(path string) error {
	if path == "" {
		return NewError(ErrInvalidInput, "path must not be empty")
	}
	if len(path) > 4096 {
		return NewError(ErrInvalidInput, "path exceeds 4096 bytes")
	}
	if strings.ContainsRune(path, 0) {
		return NewError(ErrInvalidInput, "path contains a null byte")
	}
	// Checked on the raw components, not the cleaned path: cleaning an
	// absolute path can swallow leading .. segments and mask a traversal
	// attempt.
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return NewError(ErrInvalidInput, "path contains a .. component")
		}
	}
	return nil
}

// validateUUID parses s as a 128-bit uuid.
func validateUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, NewError(ErrInvalidInput, "malformed uuid")
	}
	return id, nil
}

const (
	minStorageLimitBytes = 100 * 1024 * 1024
	maxStorageLimitBytes = 1024 * 1024 * 1024 * 1024 // 1 TiB
)

func validateStorageLimit(bytes uint64) error {
	if bytes < minStorageLimitBytes || bytes > maxStorageLimitBytes {
		return NewError(ErrInvalidInput, "storage limit out of range [100 MiB, 1 TiB]")
	}
	return nil
}
