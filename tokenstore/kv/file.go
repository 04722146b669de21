package kv

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

var _ Storage = (*FileStorage)(nil)

// FileStorage persists entries as a JSON object in a single file, replaced
// atomically on every write. With a seal key the file content is encrypted
// with XChaCha20-Poly1305.
type FileStorage struct {
	path    string
	sealKey []byte
	mu      sync.Mutex
}

type FileOption func(*FileStorage)

// WithSealKey encrypts the file with a 32-byte key.
func WithSealKey(key []byte) FileOption {
	return func(f *FileStorage) {
		f.sealKey = key
	}
}

func NewFileStorage(path string, options ...FileOption) (*FileStorage, error) {
	f := &FileStorage{path: path}
	for _, opt := range options {
		opt(f)
	}
	if f.sealKey != nil && len(f.sealKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("[NewFileStorage] seal key must be %d bytes", chacha20poly1305.KeySize)
	}
	return f, nil
}

func (f *FileStorage) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return "", err
	}
	value, ok := entries[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (f *FileStorage) SetMany(_ context.Context, entries map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.load()
	if err != nil {
		// An unreadable file is replaced rather than blocking new credentials.
		current = make(map[string]string)
	}
	for k, v := range entries {
		current[k] = v
	}
	return f.save(current)
}

func (f *FileStorage) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.load()
	if err != nil {
		return f.save(make(map[string]string))
	}
	for _, k := range keys {
		delete(current, k)
	}
	return f.save(current)
}

func (f *FileStorage) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("[FileStorage load] %w", err)
	}
	if len(data) == 0 {
		return make(map[string]string), nil
	}

	if f.sealKey != nil {
		if data, err = f.open(data); err != nil {
			return nil, err
		}
	}

	entries := make(map[string]string)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("[FileStorage load] parse %s: %w", f.path, err)
	}
	return entries, nil
}

func (f *FileStorage) save(entries map[string]string) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if f.sealKey != nil {
		if data, err = f.seal(data); err != nil {
			return err
		}
	}

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("[FileStorage save] mkdir: %w", err)
		}
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("[FileStorage save] write temp file: %w", err)
	}
	if err := os.Rename(tempFile, f.path); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("[FileStorage save] rename temp file: %w", err)
	}
	return nil
}

func (f *FileStorage) seal(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(f.sealKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("[FileStorage seal] nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func (f *FileStorage) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(f.sealKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("[FileStorage open] sealed file too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("[FileStorage open] %w", err)
	}
	return plain, nil
}
