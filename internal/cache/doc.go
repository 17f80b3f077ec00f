// Package cache implements the per-site Cache Storage used by the offline
// worker: a namespace of named cache stores, each mapping a request key
// (method + request URI) to a stored response. Stores are created lazily on
// Open and persist until deleted by name, which is how stale generations are
// purged on activation.
//
// Several drivers share the same contract: a filesystem layout guarded by a
// process lock (temp file + rename writes), SQLite, Redis, and an in-memory
// map used by tests and ephemeral deployments. Callers never share response
// values with a store: Put copies, Match returns a fresh copy.
package cache
