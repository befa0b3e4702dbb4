// Package reliability provides retry policies and the publish outbox.
//
// Retry policies drive the broker reconnect timer:
//   - FixedInterval: the same delay every time, optionally bounded
//   - ExponentialBackoff: doubling delay with a cap and ±15% jitter
//
// An Outbox holds messages that could not be published while the broker was
// unreachable. MemoryOutbox keeps them in process memory; BadgerOutbox keeps
// them on disk so they survive a restart. Both hand entries back in the order
// they were stored.
package reliability
