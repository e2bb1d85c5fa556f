// Package bus carries subsystem messages between the supervisor and workers
// running in other processes, using Redis lists as per-plugin queues.
//
// # Queues
//
// Each remote plugin owns two lists, namespaced by instance name so several
// nodes can share one Redis server:
//
//	sidenode:{instance}:inbox:{plugin}   supervisor -> worker
//	sidenode:{instance}:outbox:{plugin}  worker -> supervisor
//
// Messages are JSON encoded, pushed with RPUSH and popped with BLPOP, which
// keeps delivery FIFO per destination and survives a consumer that is briefly
// not listening.
//
// # Events
//
// Committed blocks are also published on sidenode:{instance}:block_events for
// observers. Pub/Sub delivery is at-most-once; no component relies on it for
// correctness.
package bus
