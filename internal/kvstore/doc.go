/*
Package kvstore provides the namespaced key-value persistence used by the
persistent cache tier and the strategy controller.

Four backends implement Store:

	MemoryStore   process-local map, used in tests and as the default backend
	DiskStore     one file per key on a go-billy filesystem, optional zstd compression
	S3Store       objects in an S3 bucket via aws-sdk-go-v2
	MinioStore    objects in a MinIO (or other S3-compatible) bucket via minio-go

Namespace scopes a Store under a key prefix so unrelated records never
collide:

	root, _ := kvstore.Open(ctx, cfg.Store)
	cacheStore := kvstore.NewNamespace(root, "resload/cache")

Get returns an error satisfying errors.IsNotFound for missing keys. Delete of a
missing key is not an error.
*/
package kvstore
