package creds

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const materialFileName = "material.cbor"

// FileStore keeps one directory per tenant under a base directory.
// The tenant directory is created on first Load so the transport can
// assume it exists; Erase removes the whole directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// FileStoreConfig configures the file store
type FileStoreConfig struct {
	BaseDir string
}

// materialRecord is the serializable representation of Material
type materialRecord struct {
	Blob      []byte `cbor:"blob"`
	UpdatedAt int64  `cbor:"updated_at"` // unix nanos
}

// NewFileStore creates a file-backed credential store rooted at the
// configured base directory, creating it if needed.
func NewFileStore(config FileStoreConfig) (*FileStore, error) {
	if config.BaseDir == "" {
		return nil, errors.New("creds: base directory is required")
	}

	if err := os.MkdirAll(config.BaseDir, 0o700); err != nil {
		return nil, err
	}

	return &FileStore{baseDir: config.BaseDir}, nil
}

// tenantDir resolves the tenant's directory, rejecting ids that would
// escape the base directory.
func (f *FileStore) tenantDir(tenantID string) (string, error) {
	if tenantID == "" || strings.ContainsAny(tenantID, `/\`) || tenantID == "." || tenantID == ".." {
		return "", ErrInvalidTenantID
	}
	return filepath.Join(f.baseDir, tenantID), nil
}

// Exists checks whether material is stored for the tenant
func (f *FileStore) Exists(ctx context.Context, tenantID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return false, ErrStoreClosed
	}

	dir, err := f.tenantDir(tenantID)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(filepath.Join(dir, materialFileName)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Load retrieves the tenant's material. An absent tenant yields empty
// Material and leaves an empty directory behind, ready for the first
// Persist.
func (f *FileStore) Load(ctx context.Context, tenantID string) (Material, error) {
	if err := ctx.Err(); err != nil {
		return Material{}, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return Material{}, ErrStoreClosed
	}

	dir, err := f.tenantDir(tenantID)
	if err != nil {
		return Material{}, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Material{}, err
	}

	data, err := os.ReadFile(filepath.Join(dir, materialFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Material{}, nil
		}
		return Material{}, err
	}

	var rec materialRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return Material{}, err
	}

	return recordToMaterial(rec), nil
}

// Persist stores or replaces the tenant's material. The write goes
// through a temp file and rename so a crash never leaves a torn
// record.
func (f *FileStore) Persist(ctx context.Context, tenantID string, material Material) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrStoreClosed
	}

	dir, err := f.tenantDir(tenantID)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := cbor.Marshal(materialToRecord(material))
	if err != nil {
		return err
	}

	tmp := filepath.Join(dir, materialFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, materialFileName))
}

// Erase removes the tenant's directory and everything in it
func (f *FileStore) Erase(ctx context.Context, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrStoreClosed
	}

	dir, err := f.tenantDir(tenantID)
	if err != nil {
		return err
	}

	return os.RemoveAll(dir)
}

// Close closes the store
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	f.closed = true
	return nil
}

func materialToRecord(m Material) materialRecord {
	return materialRecord{
		Blob:      m.Blob,
		UpdatedAt: m.UpdatedAt.UnixNano(),
	}
}

func recordToMaterial(rec materialRecord) Material {
	m := Material{Blob: rec.Blob}
	if rec.UpdatedAt > 0 {
		m.UpdatedAt = time.Unix(0, rec.UpdatedAt)
	}
	return m
}
