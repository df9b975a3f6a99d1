// Package engine assembles a resource loading engine from configuration.
//
// New opens the configured key-value backend, namespaces it under the
// store prefix and builds the tiered cache, the priority scheduler and the
// strategy controller on top of it. Preload asks the controller for a
// concurrency ceiling, hands the requests to the scheduler and, once the
// queue drains, records how the batch performed so strategies can be
// compared across sessions.
package engine
