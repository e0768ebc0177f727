package credstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"

	logs "github.com/danmuck/linkctl/internal/logging"
)

const (
	identityFile = "identity.key"
	valuesFile   = "credentials.age"
)

// FileKV stores its map as one age-encrypted JSON document. The X25519
// identity that decrypts it is generated on first use and kept beside it
// with 0600 permissions.
type FileKV struct {
	dir      string
	identity *age.X25519Identity

	mu     sync.Mutex
	values map[string]string
}

// OpenFileKV loads or initializes the store under dir.
func OpenFileKV(dir string) (*FileKV, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("credstore: state dir required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: create state dir: %w", err)
	}
	identity, err := loadOrCreateIdentity(filepath.Join(dir, identityFile))
	if err != nil {
		return nil, err
	}
	kv := &FileKV{
		dir:      dir,
		identity: identity,
		values:   make(map[string]string),
	}
	if err := kv.load(); err != nil {
		return nil, err
	}
	logs.Debugf("credstore.OpenFileKV dir=%q keys=%d", dir, len(kv.values))
	return kv, nil
}

func loadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		identity, perr := age.ParseX25519Identity(strings.TrimSpace(string(raw)))
		if perr != nil {
			return nil, fmt.Errorf("credstore: parse identity %s: %w", path, perr)
		}
		return identity, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("credstore: read identity: %w", err)
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("credstore: generate identity: %w", err)
	}
	if err := writeFileAtomic(path, []byte(identity.String()+"\n")); err != nil {
		return nil, err
	}
	return identity, nil
}

func (f *FileKV) load() error {
	raw, err := os.ReadFile(filepath.Join(f.dir, valuesFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("credstore: read values: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), f.identity)
	if err != nil {
		return fmt.Errorf("credstore: decrypt values: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("credstore: read decrypted values: %w", err)
	}
	if err := json.Unmarshal(plaintext, &f.values); err != nil {
		return fmt.Errorf("credstore: decode values: %w", err)
	}
	return nil
}

// persist must be called with f.mu held.
func (f *FileKV) persist() error {
	plaintext, err := json.Marshal(f.values)
	if err != nil {
		return fmt.Errorf("credstore: encode values: %w", err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, f.identity.Recipient())
	if err != nil {
		return fmt.Errorf("credstore: create encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("credstore: encrypt values: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("credstore: finalize encryption: %w", err)
	}
	return writeFileAtomic(filepath.Join(f.dir, valuesFile), buf.Bytes())
}

func (f *FileKV) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *FileKV) Set(key, value string) error {
	if key == "" {
		return ErrKeyRequired
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.values[key]
	f.values[key] = value
	if err := f.persist(); err != nil {
		if had {
			f.values[key] = prev
		} else {
			delete(f.values, key)
		}
		return err
	}
	return nil
}

func (f *FileKV) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.values[key]
	if !had {
		return nil
	}
	delete(f.values, key)
	if err := f.persist(); err != nil {
		f.values[key] = prev
		return err
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("credstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("credstore: rename %s: %w", path, err)
	}
	return nil
}
