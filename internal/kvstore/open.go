package kvstore

import (
	"context"

	"github.com/objectfs/resload/internal/config"
	"github.com/objectfs/resload/pkg/errors"
)

// Open creates the backend selected by cfg.Backend. The returned store is not
// namespaced; wrap it with NewNamespace(store, cfg.Prefix).
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return NewMemoryStore(), nil
	case config.BackendDisk:
		return NewDiskStore(cfg.Disk.Directory, WithCompression(cfg.Disk.Compression))
	case config.BackendS3:
		return NewS3Store(ctx, cfg.S3)
	case config.BackendMinio:
		return NewMinioStore(ctx, cfg.Minio)
	default:
		return nil, errors.InvalidConfig("unknown store backend %q", cfg.Backend)
	}
}
