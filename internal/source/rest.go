package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/market-relay/internal/api"
	"github.com/rickgao/market-relay/internal/poller"
	"github.com/rickgao/market-relay/internal/subscription"
)

// Subscription params read by the REST fetchers.
const (
	ParamResourceID = "resource_id"
	ParamAddress    = "address"
)

// REST builds fetchers backed by the REST API.
type REST struct {
	client      *api.Client
	clock       clockwork.Clock
	depth       int
	orderStatus string
}

// RESTOption configures REST.
type RESTOption func(*REST)

// WithDepth limits orderbook levels per side. 0 returns every level.
func WithDepth(depth int) RESTOption {
	return func(r *REST) {
		r.depth = depth
	}
}

// WithOrderStatus restricts user_orders to one order status (e.g. resting).
func WithOrderStatus(status string) RESTOption {
	return func(r *REST) {
		r.orderStatus = status
	}
}

// WithRESTClock sets the clock used to stamp snapshots.
func WithRESTClock(c clockwork.Clock) RESTOption {
	return func(r *REST) {
		r.clock = c
	}
}

// NewREST creates REST fetchers over client.
func NewREST(client *api.Client, opts ...RESTOption) *REST {
	r := &REST{client: client, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Orderbook fetches model.OrderbookSnapshot for param resource_id.
func (r *REST) Orderbook() poller.Fetcher {
	return poller.FetcherFunc(func(ctx context.Context, key subscription.Key) (json.RawMessage, error) {
		ticker, err := requireParam(key, ParamResourceID)
		if err != nil {
			return nil, err
		}
		resp, err := r.client.GetOrderbook(ctx, ticker, r.depth)
		if err != nil {
			return nil, err
		}
		return encode(resp.ToOrderbookSnapshot(ticker, r.clock.Now()))
	})
}

// Market fetches model.Market for param resource_id.
func (r *REST) Market() poller.Fetcher {
	return poller.FetcherFunc(func(ctx context.Context, key subscription.Key) (json.RawMessage, error) {
		ticker, err := requireParam(key, ParamResourceID)
		if err != nil {
			return nil, err
		}
		m, err := r.client.GetMarket(ctx, ticker)
		if err != nil {
			return nil, err
		}
		return encode(m.ToModel(r.clock.Now()))
	})
}

// UserOrders fetches model.OrderList for param address.
func (r *REST) UserOrders() poller.Fetcher {
	return poller.FetcherFunc(func(ctx context.Context, key subscription.Key) (json.RawMessage, error) {
		address, err := requireParam(key, ParamAddress)
		if err != nil {
			return nil, err
		}
		orders, err := r.client.GetAllOrders(ctx, api.GetOrdersOptions{
			Address: address,
			Status:  r.orderStatus,
		})
		if err != nil {
			return nil, err
		}
		return encode(api.ToOrderList(address, orders, r.clock.Now()))
	})
}

func requireParam(key subscription.Key, name string) (string, error) {
	v := key.Param(name)
	if v == "" {
		return "", fmt.Errorf("%w %q for %s", ErrMissingParam, name, key)
	}
	return v, nil
}

func encode(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}
