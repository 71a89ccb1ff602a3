// Package database builds the pgx pool the relay uses to read stored
// orderbook snapshots from TimescaleDB.
package database
