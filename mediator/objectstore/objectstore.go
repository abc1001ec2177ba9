// Package objectstore is an in-memory object store mediated under the
// storage:read and storage:write capabilities.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/reglet-dev/reglet-trust/capability"
)

// Capabilities served by the store.
const (
	Read  capability.Name = "storage:read"
	Write capability.Name = "storage:write"
)

// Operations accepted in the "op" argument.
const (
	OpGet    = "get"
	OpList   = "list"
	OpPut    = "put"
	OpDelete = "delete"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidRequest is returned for malformed arguments.
	ErrInvalidRequest = errors.New("invalid storage request")
	// ErrQuotaExceeded is returned when a put would exceed the store limit.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

var opCapability = map[string]capability.Name{
	OpGet:    Read,
	OpList:   Read,
	OpPut:    Write,
	OpDelete: Write,
}

// Option configures a Store.
type Option func(*Store)

// WithMaxObjectSize caps the size of a single object.
func WithMaxObjectSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxObject = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store keeps objects keyed by bucket and key.
type Store struct {
	objects   cmap.ConcurrentMap[string, []byte]
	logger    *slog.Logger
	maxObject int
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		objects:   cmap.New[[]byte](),
		logger:    slog.Default(),
		maxObject: 1 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func objectKey(bucket, key string) string { return bucket + "\x00" + key }

// Put stores data under bucket/key, replacing any previous object.
func (s *Store) Put(bucket, key string, data []byte) error {
	if len(data) > s.maxObject {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrQuotaExceeded, len(data), s.maxObject)
	}
	s.objects.Set(objectKey(bucket, key), append([]byte(nil), data...))
	return nil
}

// Get returns a copy of the object at bucket/key.
func (s *Store) Get(bucket, key string) ([]byte, error) {
	data, ok := s.objects.Get(objectKey(bucket, key))
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
	}
	return append([]byte(nil), data...), nil
}

// Delete removes bucket/key. Deleting a missing object is not an error.
func (s *Store) Delete(bucket, key string) {
	s.objects.Remove(objectKey(bucket, key))
}

// List returns the sorted keys in bucket that start with prefix.
func (s *Store) List(bucket, prefix string) []string {
	want := objectKey(bucket, prefix)
	var keys []string
	for k := range s.objects.Items() {
		if strings.HasPrefix(k, want) {
			keys = append(keys, k[len(bucket)+1:])
		}
	}
	sort.Strings(keys)
	return keys
}

// request is the decoded argument table of a storage call.
type request struct {
	op     string
	bucket string
	key    string
	data   []byte
}

func parse(call capability.Call) (request, error) {
	var r request
	r.op, _ = call.Args["op"].(string)
	r.bucket, _ = call.Args["bucket"].(string)
	r.key, _ = call.Args["key"].(string)
	if r.op == "" {
		r.op = OpGet
		if call.Capability == Write {
			r.op = OpPut
		}
	}

	want, ok := opCapability[r.op]
	if !ok {
		return r, fmt.Errorf("%w: unknown op %q", ErrInvalidRequest, r.op)
	}
	if want != call.Capability {
		return r, fmt.Errorf("%w: op %q requires %s", ErrInvalidRequest, r.op, want)
	}
	if r.bucket == "" {
		return r, fmt.Errorf("%w: bucket is required", ErrInvalidRequest)
	}
	if r.key == "" && r.op != OpList {
		return r, fmt.Errorf("%w: key is required", ErrInvalidRequest)
	}
	if strings.Contains(r.key, "..") || strings.HasPrefix(r.key, "/") {
		return r, fmt.Errorf("%w: key %q is not a relative object path", ErrInvalidRequest, r.key)
	}
	switch d := call.Args["data"].(type) {
	case string:
		r.data = []byte(d)
	case []byte:
		r.data = d
	}
	return r, nil
}

// Capabilities implements capability.Mediator.
func (s *Store) Capabilities() []capability.Name { return []capability.Name{Read, Write} }

// RequestedScope derives {bucket, prefix} from the call. The prefix is the
// object key, or the listing prefix for list.
func (s *Store) RequestedScope(call capability.Call) (capability.Scope, error) {
	r, err := parse(call)
	if err != nil {
		return capability.Scope{}, err
	}
	params := map[string]string{"bucket": r.bucket}
	if r.key != "" {
		params["prefix"] = r.key
	}
	scope, err := capability.NewScope(params)
	if err != nil {
		return capability.Scope{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return scope, nil
}

// Invoke implements capability.Mediator.
func (s *Store) Invoke(_ context.Context, call capability.Call) (any, error) {
	r, err := parse(call)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("storage call", "plugin", call.PluginID, "op", r.op, "bucket", r.bucket, "key", r.key)

	switch r.op {
	case OpGet:
		data, err := s.Get(r.bucket, r.key)
		if err != nil {
			return nil, err
		}
		return map[string]any{"key": r.key, "data": string(data), "size": int64(len(data))}, nil
	case OpList:
		keys := s.List(r.bucket, r.key)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	case OpPut:
		if err := s.Put(r.bucket, r.key, r.data); err != nil {
			return nil, err
		}
		return map[string]any{"key": r.key, "size": int64(len(r.data))}, nil
	default:
		s.Delete(r.bucket, r.key)
		return true, nil
	}
}
