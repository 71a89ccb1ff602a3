package model

import "github.com/google/uuid"

// Snapshot sources.
const (
	SourceREST      = "rest"
	SourceTimescale = "timescale"
)

// PriceLevel represents a single price level in an orderbook.
type PriceLevel struct {
	Price int `json:"price"` // hundred-thousandths
	Size  int `json:"size"`
}

// OrderbookSnapshot is the payload of an orderbook_update.
type OrderbookSnapshot struct {
	Ticker     string       `json:"ticker"`
	Source     string       `json:"source"`
	SnapshotTS int64        `json:"snapshot_ts"`
	ExchangeTS int64        `json:"exchange_ts,omitempty"` // 0 when the source does not provide it
	YesBids    []PriceLevel `json:"yes_bids"`
	NoBids     []PriceLevel `json:"no_bids"`
	BestYesBid int          `json:"best_yes_bid"`
	BestYesAsk int          `json:"best_yes_ask"`
	Spread     int          `json:"spread"`
}

// Best fills BestYesBid, BestYesAsk and Spread from the bid ladders, which
// must be sorted best first. A YES ask is the complement of the best NO bid.
func (s *OrderbookSnapshot) Best() {
	s.BestYesBid, s.BestYesAsk, s.Spread = 0, 0, 0
	if len(s.YesBids) > 0 {
		s.BestYesBid = s.YesBids[0].Price
	}
	if len(s.NoBids) > 0 {
		s.BestYesAsk = 100000 - s.NoBids[0].Price
	}
	if s.BestYesBid > 0 && s.BestYesAsk > 0 {
		s.Spread = s.BestYesAsk - s.BestYesBid
	}
}

// Market is the payload of a market_update.
type Market struct {
	Ticker       string `json:"ticker"`
	EventTicker  string `json:"event_ticker"`
	Title        string `json:"title"`
	Status       string `json:"status"` // initialized, active, closed, determined, settled, ...
	Result       string `json:"result,omitempty"`
	YesBid       int    `json:"yes_bid"`
	YesAsk       int    `json:"yes_ask"`
	LastPrice    int    `json:"last_price"`
	Volume       int64  `json:"volume"`
	Volume24h    int64  `json:"volume_24h"`
	OpenInterest int64  `json:"open_interest"`
	CloseTS      int64  `json:"close_ts"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Order is one resting or historical order belonging to an address.
type Order struct {
	OrderID   uuid.UUID `json:"order_id"`
	Ticker    string    `json:"ticker"`
	Side      string    `json:"side"`   // yes or no
	Action    string    `json:"action"` // buy or sell
	Status    string    `json:"status"` // resting, canceled, executed
	Price     int       `json:"price"`
	Remaining int       `json:"remaining"`
	Filled    int       `json:"filled"`
	CreatedTS int64     `json:"created_ts"`
}

// OrderList is the payload of a user_orders_update.
type OrderList struct {
	Address   string  `json:"address"`
	Orders    []Order `json:"orders"`
	UpdatedAt int64   `json:"updated_at"`
}
