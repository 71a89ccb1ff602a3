package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// maxOrderPages bounds GetAllOrders so a misbehaving cursor cannot loop
// forever inside a single poll cycle.
const maxOrderPages = 20

// GetOrders fetches one page of orders for an address.
func (c *Client) GetOrders(ctx context.Context, opts GetOrdersOptions) (*OrdersResponse, error) {
	query := url.Values{}
	query.Set("address", opts.Address)
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}

	var resp OrdersResponse
	if err := c.get(ctx, "/portfolio/orders", query, &resp); err != nil {
		return nil, fmt.Errorf("get orders %s: %w", opts.Address, err)
	}
	return &resp, nil
}

// GetAllOrders pages through every order matching opts.
func (c *Client) GetAllOrders(ctx context.Context, opts GetOrdersOptions) ([]APIOrder, error) {
	var all []APIOrder
	if opts.Limit == 0 {
		opts.Limit = 200
	}

	for page := 0; page < maxOrderPages; page++ {
		resp, err := c.GetOrders(ctx, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, resp.Orders...)

		if resp.Cursor == "" {
			return all, nil
		}
		opts.Cursor = resp.Cursor
	}

	c.logger.Warn("order pagination truncated", "address", opts.Address, "pages", maxOrderPages)
	return all, nil
}
