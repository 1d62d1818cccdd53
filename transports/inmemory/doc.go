// Package inmemory provides an in-process broker for tests and local runs.
//
// The broker implements contracts.Broker with queue storage in buntdb,
// round-robin dispatch, per-channel prefetch, requeue on nack, reject and
// channel close, and broker-side consumer cancels when a queue is deleted.
// Only the default exchange routes messages.
package inmemory
