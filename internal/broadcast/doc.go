// Package broadcast fans a message out to every registered recipient.
//
// The engine snapshots the audience from the registry at call time and works
// through it with a bounded worker pool, a shared send-rate limiter, and
// per-target retry with exponential backoff. Rate-limit responses that name a
// wait duration pause only the worker that hit them.
//
// Delivery semantics
//
// Broadcasts are best-effort and non-durable: a process restart loses any run
// in progress. Every snapshot member is processed to a terminal outcome
// (delivered, permanently failed, or retries exhausted); cancellation stops
// scheduling new sends but still accounts for the remainder, so the report
// always covers the full snapshot.
package broadcast
