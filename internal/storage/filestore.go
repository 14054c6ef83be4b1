package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/binshare/binshare/internal/protocol"
)

// FileStore holds the current database blob per branch, named
// <uuid>.<ext>.zst where ext derives from the branch bit-width.
// Blobs are zstd-compressed at rest and replaced whole on upload:
// writes go to a temp file and rename into place, so readers never
// observe a partial blob.
type FileStore struct {
	dir    string
	logger *zap.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewFileStore creates dir if missing and returns a ready FileStore.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create files dir %s: %w", dir, err)
	}

	// EncodeAll/DecodeAll on shared instances are safe for
	// concurrent use.
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &FileStore{dir: dir, logger: logger, enc: enc, dec: dec}, nil
}

// Write replaces the branch's blob with content. All-or-nothing:
// either the previous blob survives intact or the new one is fully in
// place.
func (f *FileStore) Write(branch protocol.Branch, content []byte) error {
	compressed := f.enc.EncodeAll(content, nil)

	tmp, err := os.CreateTemp(f.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("write blob for branch %s: %w", branch.UUID, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write blob for branch %s: %w", branch.UUID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write blob for branch %s: %w", branch.UUID, err)
	}

	if err := os.Rename(tmpName, f.path(branch)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write blob for branch %s: %w", branch.UUID, err)
	}

	f.logger.Debug("blob written",
		zap.String("branch_uuid", branch.UUID),
		zap.Int("raw_bytes", len(content)),
		zap.Int("stored_bytes", len(compressed)),
	)
	return nil
}

// Read returns the branch's current blob, decompressed. Returns
// ErrNotFound if nothing was ever uploaded for the branch.
func (f *FileStore) Read(branch protocol.Branch) ([]byte, error) {
	compressed, err := os.ReadFile(f.path(branch))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("database for branch %s: %w", branch.UUID, protocol.ErrNotFound)
		}
		return nil, fmt.Errorf("read blob for branch %s: %w", branch.UUID, err)
	}

	content, err := f.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress blob for branch %s: %w", branch.UUID, err)
	}
	return content, nil
}

// Close releases the shared compressor state.
func (f *FileStore) Close() {
	f.enc.Close()
	f.dec.Close()
}

func (f *FileStore) path(branch protocol.Branch) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s.%s.zst", branch.UUID, branch.Extension()))
}
