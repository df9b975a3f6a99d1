/*
Package config provides configuration management for resload.

Configuration is assembled from three sources, lowest precedence first:
compiled-in defaults (NewDefault), a YAML file (LoadFromFile) and
RESLOAD_* environment variables (LoadFromEnv). Validate must be called
after the last source has been applied.

# Sections

	global               log level for every resload/* logger
	cache.memory         memory tier ceiling ("50MB"), entry limit, expiry, sweep interval
	cache.persistent     persistent tier toggle, entry limit, expiry
	scheduler            default and maximum concurrency, retry policy
	controller           sample retention, scoring window, session, seed
	store                persistent backend: memory, disk, s3 or minio
	monitoring.metrics   Prometheus endpoint

# Example

	global:
	  log_level: INFO
	cache:
	  memory:
	    max_size: 50MB
	    max_entries: 1000
	store:
	  backend: disk
	  prefix: resload
	  disk:
	    directory: /var/cache/resload
	    compression: true

Byte sizes accept K, M, G and T suffixes with optional B or iB, see ParseBytes.
*/
package config
