/*
Package cache provides the two-tier resource cache used by the loader.

A TieredCache holds a MemoryTier in front of an optional PersistentTier.

The memory tier is bounded by total bytes and by entry count. Both limits
evict by recency:

  - when an insert would exceed the byte ceiling, least recently accessed
    entries are removed until usage (including the incoming entry) is at most
    SizeEvictionTarget of the ceiling
  - when an insert of a new key finds the tier full, exactly one least
    recently accessed entry is removed

Memory entries carry an expiry and are removed by a periodic sweep started in
NewMemoryTier and stopped by Close, and lazily on read.

The persistent tier stores JSON envelopes in a kvstore.Store. Entries expire
lazily on read. When a new key would exceed MaxEntries the oldest records by
stored timestamp are removed first.

Backend failures never propagate out of TieredCache: Store, Remove and Clear
report them through their boolean result and Get treats them as a miss, so a
broken persistent backend degrades to memory-only caching.

Payloads are opaque bytes. Classify infers a ResourceType when the caller does
not supply one.
*/
package cache
