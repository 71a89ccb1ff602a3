package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/market-relay/internal/model"
	"github.com/rickgao/market-relay/internal/subscription"
)

// Querier is the subset of *pgxpool.Pool the Timescale fetcher needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const latestSnapshotSQL = `
	SELECT snapshot_ts, exchange_ts, ticker, yes_bids, no_bids, best_yes_bid, best_yes_ask, spread
	FROM orderbook_snapshots
	WHERE ticker = $1
	ORDER BY snapshot_ts DESC
	LIMIT 1
`

// TimescaleOrderbook serves orderbook snapshots already persisted by a
// separate collector, so the relay never touches the exchange for them.
type TimescaleOrderbook struct {
	db Querier
}

// NewTimescaleOrderbook creates a fetcher reading from db.
func NewTimescaleOrderbook(db Querier) *TimescaleOrderbook {
	return &TimescaleOrderbook{db: db}
}

// Fetch returns the latest stored snapshot for param resource_id.
func (t *TimescaleOrderbook) Fetch(ctx context.Context, key subscription.Key) (json.RawMessage, error) {
	ticker, err := requireParam(key, ParamResourceID)
	if err != nil {
		return nil, err
	}

	var (
		s             = model.OrderbookSnapshot{Source: model.SourceTimescale}
		exchangeTS    *int64
		yesRaw, noRaw []byte
	)
	err = t.db.QueryRow(ctx, latestSnapshotSQL, ticker).Scan(
		&s.SnapshotTS, &exchangeTS, &s.Ticker, &yesRaw, &noRaw, &s.BestYesBid, &s.BestYesAsk, &s.Spread,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w for %s", ErrNoSnapshot, ticker)
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot %s: %w", ticker, err)
	}
	if exchangeTS != nil {
		s.ExchangeTS = *exchangeTS
	}

	if s.YesBids, err = decodeLevels(yesRaw); err != nil {
		return nil, fmt.Errorf("decode yes_bids %s: %w", ticker, err)
	}
	if s.NoBids, err = decodeLevels(noRaw); err != nil {
		return nil, fmt.Errorf("decode no_bids %s: %w", ticker, err)
	}

	return encode(s)
}

func decodeLevels(raw []byte) ([]model.PriceLevel, error) {
	levels := []model.PriceLevel{}
	if len(raw) == 0 {
		return levels, nil
	}
	if err := json.Unmarshal(raw, &levels); err != nil {
		return nil, err
	}
	if levels == nil {
		levels = []model.PriceLevel{}
	}
	return levels, nil
}
