// Package storage persists small pieces of client state between widget mounts.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Store is a string key/value store. MemoryStore lives as long as the
// process (tab scope); FileStore survives restarts.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(key string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// FileStore is a Store backed by a YAML document on disk. Every write
// rewrites the whole file through a temp file and rename.
type FileStore struct {
	path string
	mu   sync.RWMutex
	data map[string]string
}

// OpenFileStore loads path, treating a missing file as empty.
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, data: make(map[string]string)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, fmt.Errorf("read store: %w", err)
	}
	if err := yaml.Unmarshal(raw, &fs.data); err != nil {
		return nil, fmt.Errorf("decode store %s: %w", path, err)
	}
	if fs.data == nil {
		fs.data = make(map[string]string)
	}
	return fs, nil
}

func (f *FileStore) Get(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.data[key]
	return v, ok
}

func (f *FileStore) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return f.flushLocked()
}

func (f *FileStore) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return nil
	}
	delete(f.data, key)
	return f.flushLocked()
}

func (f *FileStore) flushLocked() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return err
	}
	raw, err := yaml.Marshal(f.data)
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	return os.Rename(tmp, f.path)
}

// ConversationKey is the key holding the conversation id for apiKey.
func ConversationKey(apiKey string) string {
	return "nexva_conv_" + apiKey
}

// SessionKey is the key holding the stable session id for apiKey.
func SessionKey(apiKey string) string {
	return "nexva_session_" + apiKey
}

// SaveConversationID stores id for apiKey. Zero and negative ids are ignored.
func SaveConversationID(s Store, apiKey string, id int64) error {
	if id <= 0 {
		return nil
	}
	return s.Set(ConversationKey(apiKey), strconv.FormatInt(id, 10))
}

// GetConversationID returns the stored conversation id, if any.
func GetConversationID(s Store, apiKey string) (int64, bool) {
	v, ok := s.Get(ConversationKey(apiKey))
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ClearConversation forgets the conversation id for apiKey.
func ClearConversation(s Store, apiKey string) error {
	return s.Remove(ConversationKey(apiKey))
}

// NewSessionID returns an id of the form widget-<unix ms>-<9 chars>.
func NewSessionID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("widget-%d-%s", time.Now().UnixMilli(), suffix)
}

// GetOrCreateSessionID returns the stable session id for apiKey, creating
// one on first use. A failing store still yields a fresh id.
func GetOrCreateSessionID(s Store, apiKey string) string {
	if v, ok := s.Get(SessionKey(apiKey)); ok && v != "" {
		return v
	}
	id := NewSessionID()
	_ = s.Set(SessionKey(apiKey), id)
	return id
}
