// Package api is the REST client the relay's poll fetchers use to read
// markets, orderbooks and per-address orders.
//
// Requests are retried with jittered exponential backoff on 5xx and 429
// responses. Authentication is either a bearer API key or, with WithSigner,
// RSA-PSS signed headers computed per request.
//
// REST endpoints:
//   - Production: https://api.elections.kalshi.com/trade-api/v2
//   - Demo: https://demo-api.kalshi.co/trade-api/v2
package api
