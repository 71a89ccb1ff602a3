package api

// ExchangeStatusResponse from GET /exchange/status
type ExchangeStatusResponse struct {
	ExchangeActive      bool   `json:"exchange_active"`
	TradingActive       bool   `json:"trading_active"`
	EstimatedResumeTime string `json:"exchange_estimated_resume_time,omitempty"`
}

// APIMarket represents a market from the REST API.
type APIMarket struct {
	Ticker      string `json:"ticker"`
	EventTicker string `json:"event_ticker"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Result      string `json:"result"`

	// Prices as strings (sub-penny)
	YesBidDollars    string `json:"yes_bid_dollars"`
	YesAskDollars    string `json:"yes_ask_dollars"`
	LastPriceDollars string `json:"last_price_dollars"`

	// Volume
	Volume       int64 `json:"volume"`
	Volume24h    int64 `json:"volume_24h"`
	OpenInterest int64 `json:"open_interest"`

	// Timestamps (ISO 8601)
	CloseTime string `json:"close_time"`
}

// SingleMarketResponse from GET /markets/{ticker}
type SingleMarketResponse struct {
	Market APIMarket `json:"market"`
}

// OrderbookResponse from GET /markets/{ticker}/orderbook
type OrderbookResponse struct {
	Orderbook APIOrderbook `json:"orderbook"`
}

// APIOrderbook represents the orderbook from the REST API.
type APIOrderbook struct {
	// Levels as [price_cents, quantity] pairs
	Yes [][]int `json:"yes"`
	No  [][]int `json:"no"`
}

// OrdersResponse from GET /portfolio/orders
type OrdersResponse struct {
	Orders []APIOrder `json:"orders"`
	Cursor string     `json:"cursor"`
}

// APIOrder represents an order from the REST API.
type APIOrder struct {
	OrderID         string `json:"order_id"`
	Ticker          string `json:"ticker"`
	Side            string `json:"side"`
	Action          string `json:"action"`
	Status          string `json:"status"`
	YesPriceDollars string `json:"yes_price_dollars"`
	NoPriceDollars  string `json:"no_price_dollars"`
	RemainingCount  int    `json:"remaining_count"`
	FillCount       int    `json:"fill_count"`
	CreatedTime     string `json:"created_time"`
}

// GetOrdersOptions configures a GetOrders request.
type GetOrdersOptions struct {
	Address string
	Status  string
	Limit   int
	Cursor  string
}
