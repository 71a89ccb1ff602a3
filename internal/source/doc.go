// Package source provides the poll fetchers behind the relay's channels
// and the decorators layered over them.
//
// Fetchers:
//   - REST: orderbook, market and user_orders via internal/api
//   - Timescale: latest stored orderbook snapshot via pgx
//
// Decorators:
//   - Cache: shared Redis snapshot cache so relay replicas polling the same
//     key hit upstream once per TTL, with singleflight for concurrent misses
//   - Breaker: gobreaker circuit breaker per channel
//
// Every fetcher returns the JSON encoding of a model type; that encoding is
// the "data" field of the update frame.
package source
