package kvstore

import (
	"context"
	"sort"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/objectfs/resload/pkg/errors"
)

var log = logging.Logger("resload/kvstore")

const component = "kvstore"

// Store is a byte-oriented key-value store
type Store interface {
	// Get returns the value for key or a NOT_FOUND error
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes value under key, replacing any previous value
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key; missing keys are not an error
	Delete(ctx context.Context, key string) error

	// List returns all keys starting with prefix in lexical order
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources
	Close() error
}

func notFound(key string) error {
	return errors.NotFound(component, key)
}

// IsNotFound reports whether err signals a missing key
func IsNotFound(err error) bool {
	return errors.IsNotFound(err)
}

// Namespace scopes a Store under a prefix
type Namespace struct {
	store  Store
	prefix string
}

// NewNamespace returns a view of store where every key is stored as prefix/key
func NewNamespace(store Store, prefix string) *Namespace {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Namespace{store: store, prefix: prefix}
}

// Prefix returns the namespace prefix including the trailing separator
func (n *Namespace) Prefix() string {
	return n.prefix
}

func (n *Namespace) Get(ctx context.Context, key string) ([]byte, error) {
	return n.store.Get(ctx, n.prefix+key)
}

func (n *Namespace) Put(ctx context.Context, key string, value []byte) error {
	return n.store.Put(ctx, n.prefix+key, value)
}

func (n *Namespace) Delete(ctx context.Context, key string) error {
	return n.store.Delete(ctx, n.prefix+key)
}

func (n *Namespace) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := n.store.List(ctx, n.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, n.prefix) {
			out = append(out, strings.TrimPrefix(k, n.prefix))
		}
	}
	return out, nil
}

// Close is a no-op; the owner of the underlying store closes it
func (n *Namespace) Close() error {
	return nil
}

// DeletePrefix removes every key under prefix and returns how many were removed
func DeletePrefix(ctx context.Context, store Store, prefix string) (int, error) {
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, k := range keys {
		if err := store.Delete(ctx, k); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func sortedKeys(keys []string) []string {
	sort.Strings(keys)
	return keys
}
