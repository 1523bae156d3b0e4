// Package cachekit is a multi-backend cache for expensive reads and computed
// aggregates. A Cache fronts an in-process adapter and an optional remote one
// (redis), routes through the remote whenever it is connected, and falls back to
// the local adapter when it is not.
//
// Components:
//   - adapter: the storage contract. adapter/local (LRU + TTL + compression),
//     adapter/remote (lazy connect, health, bounded reconnect) and adapter/store
//     (any byte provider: ristretto, bigcache, expirable LRU).
//   - resilience: per-operation circuit breakers, retry with backoff, fallback
//     and degrade helpers, and the error taxonomy.
//   - keys: deterministic key building and domain invalidation maps.
//   - codec: value serializers (msgpack by default).
//
// Reads return a Result whose Status tells a miss apart from a backend that
// could not answer:
//
//	r := cache.Get(ctx, "leaderboard:42")
//	switch r.Status {
//	case cachekit.Hit:
//		_ = r.Decode(&board)
//	case cachekit.Miss:
//		board = compute()
//		_ = cache.Set(ctx, "leaderboard:42", board, cachekit.WithTags("contest:42"))
//	case cachekit.Unavailable:
//		board = compute() // r.Err holds the cause
//	}
//
// Fetch wraps that pattern and collapses concurrent recomputation of one key.
package cachekit
