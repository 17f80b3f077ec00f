// Package worker implements the per-site offline worker: install pre-caches the
// asset manifest into the current generation's store, activate purges every
// other generation, and fetch answers GET requests network-first with a
// write-through copy, falling back to the exact cached entry and then to the
// cached root document when the network is unreachable.
//
// The worker owns no transport or storage of its own. The host passes a
// Network (usually an *http.Client) and a cache.Storage in Options, which is
// also how tests drive it with in-memory fakes.
package worker
