package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"proctoring-recorder/constant"
	"proctoring-recorder/pkg/storage"
)

// MemoryBackend is an in-memory storage.Backend. FailPuts and FailGets make
// the next calls fail with storage.ErrUnavailable.
type MemoryBackend struct {
	mu       sync.Mutex
	kind     constant.StorageBackend
	objects  map[string]memoryObject
	failPuts int
	failGets int
	puts     int
}

type memoryObject struct {
	data        []byte
	contentType string
}

func NewMemoryBackend(kind constant.StorageBackend) *MemoryBackend {
	return &MemoryBackend{kind: kind, objects: make(map[string]memoryObject)}
}

func (m *MemoryBackend) Kind() constant.StorageBackend {
	return m.kind
}

func (m *MemoryBackend) FailPuts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPuts = n
}

func (m *MemoryBackend) FailGets(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGets = n
}

// Puts counts Put calls, failed ones included.
func (m *MemoryBackend) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func (m *MemoryBackend) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	m.mu.Lock()
	m.puts++
	if m.failPuts > 0 {
		m.failPuts--
		m.mu.Unlock()
		return "", fmt.Errorf("%w: injected put failure", storage.ErrUnavailable)
	}
	m.mu.Unlock()

	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("short write: %d of %d bytes", len(data), size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: data, contentType: contentType}
	return key, nil
}

func (m *MemoryBackend) Get(ctx context.Context, ref string) (*storage.Object, error) {
	return m.GetRange(ctx, ref, 0, -1)
}

func (m *MemoryBackend) GetRange(ctx context.Context, ref string, start, end int64) (*storage.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGets > 0 {
		m.failGets--
		return nil, fmt.Errorf("%w: injected get failure", storage.ErrUnavailable)
	}
	obj, ok := m.objects[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, ref)
	}

	size := int64(len(obj.data))
	out := &storage.Object{Size: size, ContentType: obj.contentType, End: -1}
	if size == 0 {
		out.Body = io.NopCloser(bytes.NewReader(nil))
		return out, nil
	}
	if end < 0 || end >= size {
		end = size - 1
	}
	if start < 0 || start > end {
		return nil, fmt.Errorf("%w: %d-%d of %d", storage.ErrInvalidRange, start, end, size)
	}
	out.Start, out.End = start, end
	out.Body = io.NopCloser(bytes.NewReader(obj.data[start : end+1]))
	return out, nil
}

func (m *MemoryBackend) Stat(ctx context.Context, ref string) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[ref]
	if !ok {
		return storage.ObjectInfo{}, fmt.Errorf("%w: %s", storage.ErrNotFound, ref)
	}
	return storage.ObjectInfo{Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (m *MemoryBackend) Exists(ctx context.Context, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[ref]
	return ok, nil
}

func (m *MemoryBackend) Delete(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[ref]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, ref)
	}
	delete(m.objects, ref)
	return nil
}

// Bytes returns a copy of the object stored at ref.
func (m *MemoryBackend) Bytes(ref string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[ref]
	if !ok {
		return nil, false
	}
	return bytes.Clone(obj.data), true
}

func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
