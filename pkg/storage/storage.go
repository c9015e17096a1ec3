// Package storage provides the interchangeable byte stores that hold proctoring
// segments and merged recordings.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"proctoring-recorder/constant"
)

var (
	// ErrNotFound means the location holds no bytes. Callers treat it as data loss.
	ErrNotFound = errors.New("storage: object not found")
	// ErrUnavailable is a transient backend failure; callers retry with backoff.
	ErrUnavailable = errors.New("storage: backend unavailable")
	// ErrInvalidRange is returned for a range outside the object.
	ErrInvalidRange = errors.New("storage: invalid range")
	// ErrInvalidKey is returned for keys that escape the backend namespace.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// ObjectInfo describes stored bytes.
type ObjectInfo struct {
	Size        int64
	ContentType string
}

// Object is an open byte stream. Start and End are inclusive offsets of the
// bytes Body yields; Size is the size of the whole object.
type Object struct {
	Body        io.ReadCloser
	Size        int64
	Start       int64
	End         int64
	ContentType string
}

// Length is the number of bytes Body yields.
func (o *Object) Length() int64 {
	if o.Size == 0 {
		return 0
	}
	return o.End - o.Start + 1
}

// Backend is implemented identically by every storage medium. All methods are
// safe for concurrent use.
type Backend interface {
	Kind() constant.StorageBackend
	// Put stores size bytes from r under key and returns the location reference.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	Get(ctx context.Context, ref string) (*Object, error)
	// GetRange streams bytes start..end inclusive. A negative end reads to the end of the object.
	GetRange(ctx context.Context, ref string, start, end int64) (*Object, error)
	Stat(ctx context.Context, ref string) (ObjectInfo, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

// LocalPather is implemented by backends whose objects are plain files, so
// readers can reference them in place instead of copying.
type LocalPather interface {
	Path(ref string) (string, error)
}

func resolveRange(size, start, end int64) (int64, int64, error) {
	if end < 0 || end >= size {
		end = size - 1
	}
	if start < 0 || start > end {
		return 0, 0, fmt.Errorf("%w: %d-%d of %d", ErrInvalidRange, start, end, size)
	}
	return start, end, nil
}

// Registry maps backend tags to backends and names the one new writes go to.
type Registry struct {
	backends map[constant.StorageBackend]Backend
	def      constant.StorageBackend
}

func NewRegistry(def constant.StorageBackend, backends ...Backend) (*Registry, error) {
	r := &Registry{backends: make(map[constant.StorageBackend]Backend, len(backends)), def: def}
	for _, b := range backends {
		r.backends[b.Kind()] = b
	}
	if _, ok := r.backends[def]; !ok {
		return nil, fmt.Errorf("default storage backend %q is not configured", def)
	}
	return r, nil
}

// Default returns the backend selected by deployment configuration.
func (r *Registry) Default() Backend {
	return r.backends[r.def]
}

func (r *Registry) Get(kind constant.StorageBackend) (Backend, error) {
	b, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("storage backend %q is not configured", kind)
	}
	return b, nil
}
