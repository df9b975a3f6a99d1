/*
Package types provides the shared data model and small interfaces used by every
resload component.

# Architecture Overview

resload is composed bottom-up from three cooperating components:

	┌─────────────────────────────────────────────┐
	│              Embedding application          │
	│        (fetch function, event listeners)    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│      Strategy controller (internal/strategy)│
	│   weighted A/B assignment, online scoring   │
	└─────────────────────────────────────────────┘
	                      │ ceiling
	┌─────────────────────────────────────────────┐
	│        Load scheduler (internal/scheduler)  │
	│   priority queue, in-flight set, events     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Tiered cache (internal/cache)       │
	│   memory tier  +  persistent tier (kvstore) │
	└─────────────────────────────────────────────┘

# Data Model

CacheEntry is one cached resource. The memory tier is the source of truth for
AccessCount and LastAccessedAt; the persistent tier only stores the payload,
its type, size and creation timestamp.

LoadRequest is a unit of scheduling work. Its ID doubles as the cache key, and
at most one fetch per ID is in flight at any time.

PerformanceSample is one recorded outcome of running a batch of loads under a
concurrency strategy. Samples are JSON-serializable so they can be persisted
between sessions.

# Clock

Components that stamp entries or samples take a Clock so tests can control
time. SystemClock is the production implementation.
*/
package types
