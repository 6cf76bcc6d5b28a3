package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

// ErrUploadNotAllowed is returned by Put for keys that were never presigned
// or whose upload window has passed.
var ErrUploadNotAllowed = errors.New("upload not allowed for key")

type memObject struct {
	data        []byte
	contentType string
}

// MemoryStore keeps uploads in process memory. PresignPut hands out URLs
// under BaseURL that the web layer serves by calling Put.
type MemoryStore struct {
	BaseURL string // e.g. http://localhost:8080/api/imports/objects

	mu        sync.RWMutex
	objects   map[string]memObject
	presigned map[string]time.Time
	maxSize   int64
	now       func() time.Time
}

var _ core.ObjectStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store that accepts objects up to maxSize
// bytes (0 means unlimited).
func NewMemoryStore(baseURL string, maxSize int64) *MemoryStore {
	return &MemoryStore{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		objects:   make(map[string]memObject),
		presigned: make(map[string]time.Time),
		maxSize:   maxSize,
		now:       time.Now,
	}
}

func (m *MemoryStore) PresignPut(_ context.Context, key, contentType string, expiry time.Duration) (core.UploadTarget, error) {
	expiresAt := m.now().Add(expiry)

	m.mu.Lock()
	m.presigned[key] = expiresAt
	m.mu.Unlock()

	target := core.UploadTarget{
		URL:       m.BaseURL + "/" + escapeKey(key),
		Method:    http.MethodPut,
		ExpiresAt: expiresAt,
	}
	if contentType != "" {
		target.Headers = map[string]string{"Content-Type": contentType}
	}
	return target, nil
}

// Put stores the body under a presigned key. An empty contentType is
// sniffed from the bytes.
func (m *MemoryStore) Put(_ context.Context, key, contentType string, r io.Reader) (int64, error) {
	m.mu.RLock()
	expiresAt, ok := m.presigned[key]
	m.mu.RUnlock()
	if !ok || m.now().After(expiresAt) {
		return 0, fmt.Errorf("%w: %s", ErrUploadNotAllowed, key)
	}

	if m.maxSize > 0 {
		r = io.LimitReader(r, m.maxSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read upload body: %w", err)
	}
	if m.maxSize > 0 && int64(len(data)) > m.maxSize {
		return 0, fmt.Errorf("%w: object exceeds %d bytes", core.ErrPayloadTooLarge, m.maxSize)
	}
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}

	m.mu.Lock()
	m.objects[key] = memObject{data: data, contentType: contentType}
	m.mu.Unlock()
	return int64(len(data)), nil
}

func (m *MemoryStore) Stat(_ context.Context, key string) (core.ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return core.ObjectInfo{}, fmt.Errorf("%w: %s", core.ErrObjectNotFound, key)
	}
	return core.ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (m *MemoryStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrObjectNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Remove deletes an object and its upload grant.
func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.presigned, key)
	return nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
