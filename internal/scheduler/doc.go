// Package scheduler loads resources in priority order under a concurrency
// ceiling. Requests already present in the cache complete immediately;
// the rest wait in a priority queue and are fetched, with retries, as
// in-flight slots free up. Progress is reported through events.
package scheduler
