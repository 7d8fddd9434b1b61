package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory implementation of the MultipartStore interface
// for testing.
type MockStore struct {
	mu      sync.RWMutex
	objects map[string]mockObject
	uploads map[string]*mockUpload
	nextID  int
}

type mockObject struct {
	data        []byte
	contentType string
	meta        ObjectMeta
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		objects: make(map[string]mockObject),
		uploads: make(map[string]*mockUpload),
	}
}

func (s *MockStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	return s.PutWithOptions(ctx, key, reader, size, contentType, PutOptions{})
}

func (s *MockStore) PutWithOptions(ctx context.Context, key string, reader io.Reader, size int64, contentType string, opts PutOptions) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("size mismatch for %q: declared %d, read %d", key, size, len(data))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.IfNoneMatch == "*" {
		if _, exists := s.objects[key]; exists {
			return ErrPreconditionFailed
		}
	}

	s.storeLocked(key, data, contentType, opts.Metadata)
	return nil
}

// storeLocked inserts an object. Caller holds s.mu.
func (s *MockStore) storeLocked(key string, data []byte, contentType string, metadata map[string]string) {
	s.objects[key] = mockObject{
		data:        data,
		contentType: contentType,
		meta: ObjectMeta{
			Key:          key,
			Size:         int64(len(data)),
			ContentType:  contentType,
			ETag:         fmt.Sprintf("mock-etag-%d", len(data)),
			LastModified: time.Now().UnixMilli(),
			Metadata:     metadata,
		},
	}
}

func (s *MockStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, exists := s.objects[key]
	if !exists {
		return nil, ErrNotFound
	}

	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MockStore) GetRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, exists := s.objects[key]
	if !exists {
		return nil, ErrNotFound
	}

	if start < 0 {
		start = int64(len(obj.data)) + start
	}
	if end == -1 {
		end = int64(len(obj.data)) - 1
	}

	if start < 0 || start >= int64(len(obj.data)) || end < start {
		return nil, ErrInvalidRange
	}

	if end >= int64(len(obj.data)) {
		end = int64(len(obj.data)) - 1
	}

	return io.NopCloser(bytes.NewReader(obj.data[start : end+1])), nil
}

func (s *MockStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, exists := s.objects[key]
	if !exists {
		return ObjectMeta{}, ErrNotFound
	}

	return obj.meta, nil
}

func (s *MockStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, key)
	return nil
}

func (s *MockStore) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ObjectMeta
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			result = append(result, obj.meta)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})

	return result, nil
}

func (s *MockStore) Close() error {
	return nil
}

// CreateMultipartUpload initiates an in-memory multipart upload.
func (s *MockStore) CreateMultipartUpload(ctx context.Context, key string, contentType string) (MultipartUpload, error) {
	return s.CreateMultipartUploadWithOptions(ctx, key, contentType, PutOptions{})
}

func (s *MockStore) CreateMultipartUploadWithOptions(ctx context.Context, key string, contentType string, opts PutOptions) (MultipartUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	up := &mockUpload{
		store:       s,
		id:          fmt.Sprintf("mock-upload-%d", s.nextID),
		key:         key,
		contentType: contentType,
		opts:        opts,
		parts:       make(map[int][]byte),
	}
	s.uploads[up.id] = up
	return up, nil
}

type mockUpload struct {
	store       *MockStore
	id          string
	key         string
	contentType string
	opts        PutOptions

	mu    sync.Mutex
	parts map[int][]byte
	done  bool
}

func (u *mockUpload) UploadID() string { return u.id }

func (u *mockUpload) UploadPart(ctx context.Context, partNum int, reader io.Reader, size int64) (string, error) {
	if partNum < 1 {
		return "", fmt.Errorf("part number %d out of range", partNum)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	if size >= 0 && int64(len(data)) != size {
		return "", fmt.Errorf("part %d size mismatch: declared %d, read %d", partNum, size, len(data))
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return "", fmt.Errorf("upload %s already finished", u.id)
	}
	u.parts[partNum] = data
	return fmt.Sprintf("mock-part-%d", partNum), nil
}

func (u *mockUpload) Complete(ctx context.Context, etags []string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return fmt.Errorf("upload %s already finished", u.id)
	}
	if len(etags) != len(u.parts) {
		return fmt.Errorf("upload %s: %d etags for %d parts", u.id, len(etags), len(u.parts))
	}

	nums := make([]int, 0, len(u.parts))
	for n := range u.parts {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	var data []byte
	for _, n := range nums {
		data = append(data, u.parts[n]...)
	}

	u.store.mu.Lock()
	if u.opts.IfNoneMatch == "*" {
		if _, exists := u.store.objects[u.key]; exists {
			u.store.mu.Unlock()
			return ErrPreconditionFailed
		}
	}
	u.store.storeLocked(u.key, data, u.contentType, u.opts.Metadata)
	delete(u.store.uploads, u.id)
	u.store.mu.Unlock()

	u.done = true
	return nil
}

func (u *mockUpload) Abort(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return nil
	}
	u.done = true

	u.store.mu.Lock()
	delete(u.store.uploads, u.id)
	u.store.mu.Unlock()
	return nil
}
