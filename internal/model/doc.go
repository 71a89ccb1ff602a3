// Package model defines the snapshot payloads the relay's poll fetchers
// produce. Each type is the "data" field of a <channel>_update frame.
//
// Conventions:
//   - Prices: integer hundred-thousandths (0-100,000 = $0.00-$1.00)
//   - Timestamps: int64 microseconds since Unix epoch
//   - IDs: string for tickers, uuid.UUID for order IDs
package model
