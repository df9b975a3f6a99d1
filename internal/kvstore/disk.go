package kvstore

import (
	"bytes"
	"context"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/zstd"

	"github.com/objectfs/resload/pkg/errors"
)

const recordExt = ".rec"

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// DiskStore keeps one file per key on a billy filesystem
type DiskStore struct {
	fs       billy.Filesystem
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// DiskOption configures a DiskStore
type DiskOption func(*DiskStore)

// WithCompression enables zstd compression of stored records
func WithCompression(enabled bool) DiskOption {
	return func(d *DiskStore) {
		d.compress = enabled
	}
}

// NewDiskStore creates a store rooted at directory on the local filesystem
func NewDiskStore(directory string, opts ...DiskOption) (*DiskStore, error) {
	if directory == "" {
		return nil, errors.InvalidConfig("disk store directory cannot be empty")
	}
	if err := os.MkdirAll(directory, 0750); err != nil {
		return nil, errors.Persistence(component, "init", directory, err)
	}
	return NewDiskStoreFS(osfs.New(directory), opts...)
}

// NewDiskStoreFS creates a store on an arbitrary billy filesystem
func NewDiskStoreFS(fs billy.Filesystem, opts ...DiskOption) (*DiskStore, error) {
	d := &DiskStore{fs: fs}
	for _, opt := range opts {
		opt(d)
	}

	var err error
	d.enc, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	d.dec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	log.Debugw("disk store opened", "root", fs.Root(), "compression", d.compress)
	return d, nil
}

func encodeName(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key)) + recordExt
}

func decodeName(name string) (string, bool) {
	if !strings.HasSuffix(name, recordExt) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, recordExt))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (d *DiskStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := util.ReadFile(d.fs, encodeName(key))
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return nil, notFound(key)
		}
		return nil, errors.Persistence(component, "get", key, err)
	}

	if bytes.HasPrefix(data, zstdMagic) {
		plain, err := d.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, errors.Corrupt(component, key, err)
		}
		return plain, nil
	}
	return data, nil
}

// Put writes to a temporary file and renames it over the record
func (d *DiskStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data := value
	if d.compress {
		data = d.enc.EncodeAll(value, make([]byte, 0, len(value)/2))
	}

	tmp, err := util.TempFile(d.fs, "", ".tmp-")
	if err != nil {
		return errors.Persistence(component, "put", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = d.fs.Remove(tmpName)
		return errors.Persistence(component, "put", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = d.fs.Remove(tmpName)
		return errors.Persistence(component, "put", key, err)
	}

	if err := d.fs.Rename(tmpName, encodeName(key)); err != nil {
		_ = d.fs.Remove(tmpName)
		return errors.Persistence(component, "put", key, err)
	}
	return nil
}

func (d *DiskStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.fs.Remove(encodeName(key)); err != nil && !stderrors.Is(err, os.ErrNotExist) {
		return errors.Persistence(component, "delete", key, err)
	}
	return nil
}

func (d *DiskStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	infos, err := d.fs.ReadDir("")
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Persistence(component, "list", prefix, err)
	}

	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		key, ok := decodeName(info.Name())
		if ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return sortedKeys(keys), nil
}

func (d *DiskStore) Close() error {
	d.enc.Close()
	d.dec.Close()
	return nil
}
