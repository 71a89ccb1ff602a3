package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/market-relay/internal/model"
)

// DollarsToInternal converts a dollar string to internal representation.
// "0.52" -> 52000, "0.5250" -> 52500, "0.52505" -> 52505
// Returns 0 for empty or invalid input.
func DollarsToInternal(dollars string) int {
	dollars = strings.TrimSpace(dollars)
	if dollars == "" {
		return 0
	}

	f, err := strconv.ParseFloat(dollars, 64)
	if err != nil {
		return 0
	}

	return int(f*100000 + 0.5)
}

// CentsToInternal converts cents (int) to internal representation.
// 52 cents -> 52000 internal
func CentsToInternal(cents int) int {
	return cents * 1000
}

// ParseTimestamp parses an ISO 8601 timestamp to microseconds since epoch.
// Returns 0 for empty or invalid input.
func ParseTimestamp(iso string) int64 {
	if iso == "" {
		return 0
	}

	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04:05", iso)
		if err != nil {
			return 0
		}
	}

	return t.UnixMicro()
}

// ToModel converts an APIMarket to model.Market stamped at now.
func (m *APIMarket) ToModel(now time.Time) model.Market {
	return model.Market{
		Ticker:       m.Ticker,
		EventTicker:  m.EventTicker,
		Title:        m.Title,
		Status:       m.Status,
		Result:       m.Result,
		YesBid:       DollarsToInternal(m.YesBidDollars),
		YesAsk:       DollarsToInternal(m.YesAskDollars),
		LastPrice:    DollarsToInternal(m.LastPriceDollars),
		Volume:       m.Volume,
		Volume24h:    m.Volume24h,
		OpenInterest: m.OpenInterest,
		CloseTS:      ParseTimestamp(m.CloseTime),
		UpdatedAt:    now.UnixMicro(),
	}
}

// ToOrderbookSnapshot converts an OrderbookResponse to model.OrderbookSnapshot.
// Levels shorter than [price, size] are skipped.
func (o *OrderbookResponse) ToOrderbookSnapshot(ticker string, now time.Time) model.OrderbookSnapshot {
	s := model.OrderbookSnapshot{
		Ticker:     ticker,
		Source:     model.SourceREST,
		SnapshotTS: now.UnixMicro(),
		YesBids:    levels(o.Orderbook.Yes),
		NoBids:     levels(o.Orderbook.No),
	}
	s.Best()
	return s
}

func levels(raw [][]int) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(raw))
	for _, level := range raw {
		if len(level) >= 2 {
			out = append(out, model.PriceLevel{
				Price: CentsToInternal(level[0]),
				Size:  level[1],
			})
		}
	}
	return out
}

// ToModel converts an APIOrder to model.Order. The price is expressed on
// the order's own side. An unparseable order id becomes uuid.Nil.
func (o *APIOrder) ToModel() model.Order {
	id, err := uuid.Parse(o.OrderID)
	if err != nil {
		id = uuid.Nil
	}

	price := o.YesPriceDollars
	if o.Side == "no" {
		price = o.NoPriceDollars
	}

	return model.Order{
		OrderID:   id,
		Ticker:    o.Ticker,
		Side:      o.Side,
		Action:    o.Action,
		Status:    o.Status,
		Price:     DollarsToInternal(price),
		Remaining: o.RemainingCount,
		Filled:    o.FillCount,
		CreatedTS: ParseTimestamp(o.CreatedTime),
	}
}

// ToOrderList converts a page of orders to the user_orders payload.
func ToOrderList(address string, orders []APIOrder, now time.Time) model.OrderList {
	out := model.OrderList{
		Address:   address,
		Orders:    make([]model.Order, 0, len(orders)),
		UpdatedAt: now.UnixMicro(),
	}
	for i := range orders {
		out.Orders = append(out.Orders, orders[i].ToModel())
	}
	return out
}
