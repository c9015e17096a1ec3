package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"proctoring-recorder/constant"
	"strings"
)

// Local keeps objects as files below a root directory, one directory per session.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Local{root: abs}, nil
}

func (l *Local) Kind() constant.StorageBackend {
	return constant.StorageBackendLocal
}

func (l *Local) Root() string {
	return l.root
}

// Path maps a reference to its file, rejecting references that leave the root.
func (l *Local) Path(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if ref == "" || filepath.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, ref)
	}
	return filepath.Join(l.root, clean), nil
}

// Put writes into a temporary file and renames it into place, so a reader
// never sees a partially written object.
func (l *Local) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	path, err := l.Path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Join(ErrUnavailable, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", errors.Join(ErrUnavailable, err)
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if err != nil {
		tmp.Close()
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if size >= 0 && written != size {
		tmp.Close()
		return "", fmt.Errorf("write %s: short write %d of %d bytes", key, written, size)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", errors.Join(ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Join(ErrUnavailable, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", errors.Join(ErrUnavailable, err)
	}

	return filepath.ToSlash(key), nil
}

func (l *Local) Get(ctx context.Context, ref string) (*Object, error) {
	return l.GetRange(ctx, ref, 0, -1)
}

func (l *Local) GetRange(ctx context.Context, ref string, start, end int64) (*Object, error) {
	path, err := l.Path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, mapFileError(ref, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapFileError(ref, err)
	}

	size := info.Size()
	obj := &Object{Size: size, ContentType: contentTypeOf(ref)}
	if size == 0 {
		obj.Body = f
		obj.End = -1
		return obj, nil
	}
	obj.Start, obj.End, err = resolveRange(size, start, end)
	if err != nil {
		f.Close()
		return nil, err
	}
	obj.Body = sectionReadCloser{
		Reader: io.NewSectionReader(f, obj.Start, obj.End-obj.Start+1),
		closer: f,
	}
	return obj, nil
}

func (l *Local) Stat(ctx context.Context, ref string) (ObjectInfo, error) {
	path, err := l.Path(ref)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return ObjectInfo{}, mapFileError(ref, err)
	}
	if info.IsDir() {
		return ObjectInfo{}, fmt.Errorf("%w: %s is a directory", ErrNotFound, ref)
	}
	return ObjectInfo{Size: info.Size(), ContentType: contentTypeOf(ref)}, nil
}

func (l *Local) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := l.Stat(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (l *Local) Delete(ctx context.Context, ref string) error {
	path, err := l.Path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return mapFileError(ref, err)
	}
	return nil
}

func mapFileError(ref string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return errors.Join(ErrUnavailable, err)
}

func contentTypeOf(ref string) string {
	if ct := mime.TypeByExtension(filepath.Ext(ref)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

type sectionReadCloser struct {
	io.Reader
	closer io.Closer
}

func (s sectionReadCloser) Close() error {
	return s.closer.Close()
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
