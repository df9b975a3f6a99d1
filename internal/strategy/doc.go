// Package strategy picks the concurrency ceiling used for preloading.
//
// A Controller holds a set of named strategies, assigns one per session by
// weighted random draw, records how each batch performed under it and
// scores the strategies so the best one can be selected. Assignments and
// sample histories are kept in a kvstore.Store and survive restarts.
package strategy
