package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient serves h and returns a client pointed at it.
func newTestClient(t *testing.T, h http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "key", opts...)
}

// statusSequence answers with codes in order, then 200 {"ok":true}.
func statusSequence(attempts *int32, codes ...int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(attempts, 1))
		if n <= len(codes) {
			w.WriteHeader(codes[n-1])
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}
}

func TestNewClient(t *testing.T) {
	c := NewClient("https://api.example.com/trade-api/v2", "test-key", WithLogger(nil))
	if c.basePath != "/trade-api/v2" {
		t.Errorf("basePath = %q, want %q", c.basePath, "/trade-api/v2")
	}
	if c.httpClient.Timeout != 30*time.Second || c.maxRetries != 3 || c.retryBackoff != time.Second {
		t.Errorf("defaults = (%v, %d, %v), want (30s, 3, 1s)", c.httpClient.Timeout, c.maxRetries, c.retryBackoff)
	}
	if c.logger == nil {
		t.Error("nil logger option must fall back to the default logger")
	}

	hc := &http.Client{}
	c = NewClient("https://api.example.com", "", WithHTTPClient(hc), WithTimeout(5*time.Second), WithRetries(5, 2*time.Second))
	if c.httpClient != hc || hc.Timeout != 5*time.Second {
		t.Errorf("http client = %p timeout %v, want %p timeout 5s", c.httpClient, hc.Timeout, hc)
	}
	if c.maxRetries != 5 || c.retryBackoff != 2*time.Second {
		t.Errorf("retries = (%d, %v), want (5, 2s)", c.maxRetries, c.retryBackoff)
	}
}

func TestAPIError(t *testing.T) {
	err := &APIError{StatusCode: 404, Message: "Not Found"}
	if err.Error() != "api error 404: Not Found" {
		t.Errorf("Error() = %q", err.Error())
	}

	for code, want := range map[int]bool{
		500: true, 502: true, 503: true, 504: true, 429: true,
		400: false, 401: false, 404: false, 499: false, 200: false,
	} {
		if got := (&APIError{StatusCode: code}).IsRetryable(); got != want {
			t.Errorf("IsRetryable(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestDoRequest(t *testing.T) {
	t.Run("headers and query", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer key" {
				t.Errorf("Authorization = %q, want %q", got, "Bearer key")
			}
			if got := r.Header.Get("Accept"); got != "application/json" {
				t.Errorf("Accept = %q", got)
			}
			if got := r.URL.Query().Get("cursor"); got != "abc123" {
				t.Errorf("cursor = %q, want %q", got, "abc123")
			}
			w.Write([]byte(`{"status":"ok"}`))
		})
		body, err := c.doRequest(context.Background(), http.MethodGet, "/test", map[string][]string{"cursor": {"abc123"}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(body) != `{"status":"ok"}` {
			t.Errorf("body = %q", body)
		}
	})

	t.Run("public request has no authorization", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "" {
				t.Errorf("Authorization = %q, want empty", got)
			}
		}))
		defer srv.Close()
		if _, err := NewClient(srv.URL, "").doRequest(context.Background(), http.MethodGet, "/test", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	for _, code := range []int{http.StatusNotFound, http.StatusInternalServerError} {
		t.Run(fmt.Sprintf("status %d", code), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
				w.Write([]byte(`{"error":"boom"}`))
			})
			_, err := c.doRequest(context.Background(), http.MethodGet, "/test", nil)
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *APIError", err)
			}
			if apiErr.StatusCode != code || !strings.Contains(string(apiErr.Body), "boom") {
				t.Errorf("APIError = %d %q", apiErr.StatusCode, apiErr.Body)
			}
		})
	}

	t.Run("cancelled context", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := c.doRequest(ctx, http.MethodGet, "/test", nil); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}

func TestDoWithRetry(t *testing.T) {
	tests := []struct {
		name     string
		codes    []int
		retries  int
		wantErr  string
		attempts int32
	}{
		{"first try", nil, 3, "", 1},
		{"5xx then success", []int{500, 502}, 3, "", 3},
		{"429 then success", []int{429}, 3, "", 2},
		{"4xx not retried", []int{400}, 3, "api error 400", 1},
		{"retries exhausted", []int{500, 500, 500}, 2, "max retries exceeded", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			c := newTestClient(t, statusSequence(&attempts, tt.codes...), WithRetries(tt.retries, 5*time.Millisecond))

			body, err := c.doWithRetry(context.Background(), http.MethodGet, "/test", nil)
			switch {
			case tt.wantErr == "" && err != nil:
				t.Fatalf("unexpected error: %v", err)
			case tt.wantErr == "" && string(body) != `{"ok":true}`:
				t.Errorf("body = %q", body)
			case tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)):
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
			if got := atomic.LoadInt32(&attempts); got != tt.attempts {
				t.Errorf("attempts = %d, want %d", got, tt.attempts)
			}
		})
	}

	t.Run("deadline during backoff", func(t *testing.T) {
		var attempts int32
		c := newTestClient(t, statusSequence(&attempts, 500, 500, 500, 500, 500, 500), WithRetries(5, 50*time.Millisecond))
		ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
		defer cancel()
		if _, err := c.doWithRetry(ctx, http.MethodGet, "/test", nil); err == nil || !strings.Contains(err.Error(), "context") {
			t.Errorf("err = %v, want context error", err)
		}
	})
}

func TestGetExchangeStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/exchange/status" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"exchange_active":false,"trading_active":false,"exchange_estimated_resume_time":"2026-01-15T10:00:00Z"}`))
	})
	status, err := c.GetExchangeStatus(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.ExchangeActive || status.EstimatedResumeTime != "2026-01-15T10:00:00Z" {
		t.Errorf("status = %+v", status)
	}

	bad := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not valid json`))
	})
	if _, err := bad.GetExchangeStatus(context.Background()); err == nil || !strings.Contains(err.Error(), "unmarshal") {
		t.Errorf("err = %v, want unmarshal error", err)
	}
}

func TestGetMarket(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/markets/MISSING" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Path != "/markets/KXBTC-26JAN02" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(SingleMarketResponse{Market: APIMarket{Ticker: "KXBTC-26JAN02", Status: "open", YesBidDollars: "0.52"}})
	}, WithRetries(0, time.Millisecond))

	m, err := c.GetMarket(context.Background(), "KXBTC-26JAN02")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Ticker != "KXBTC-26JAN02" || m.Status != "open" {
		t.Errorf("market = %+v", m)
	}

	if _, err := c.GetMarket(context.Background(), "MISSING"); !IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestGetOrderbook(t *testing.T) {
	for _, depth := range []int{0, 5} {
		t.Run(fmt.Sprintf("depth %d", depth), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/markets/M1/orderbook" {
					t.Errorf("path = %q", r.URL.Path)
				}
				if got, want := r.URL.Query().Has("depth"), depth > 0; got != want {
					t.Errorf("depth sent = %v, want %v", got, want)
				}
				w.Write([]byte(`{"orderbook":{"yes":[[52,100],[51,200]],"no":[[48,150]]}}`))
			})
			ob, err := c.GetOrderbook(context.Background(), "M1", depth)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(ob.Orderbook.Yes) != 2 || len(ob.Orderbook.No) != 1 {
				t.Errorf("levels = %d yes, %d no", len(ob.Orderbook.Yes), len(ob.Orderbook.No))
			}
		})
	}
}

// fakeSigner records the paths it signs.
type fakeSigner struct {
	paths []string
	err   error
}

func (s *fakeSigner) SignRequest(method, path string) (map[string]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.paths = append(s.paths, method+" "+path)
	return map[string]string{"KALSHI-ACCESS-KEY": "kid", "KALSHI-ACCESS-SIGNATURE": "sig"}, nil
}

// TestSigner tests signed requests.
func TestSigner(t *testing.T) {
	t.Run("signs full path without query", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("KALSHI-ACCESS-KEY") != "kid" {
				t.Errorf("KALSHI-ACCESS-KEY = %q, want %q", r.Header.Get("KALSHI-ACCESS-KEY"), "kid")
			}
			if r.Header.Get("Authorization") != "" {
				t.Errorf("Authorization should be empty for signed requests, got %q", r.Header.Get("Authorization"))
			}
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		s := &fakeSigner{}
		c := NewClient(server.URL+"/trade-api/v2", "key", WithSigner(s))
		query := map[string][]string{"depth": {"5"}}
		if _, err := c.doRequest(context.Background(), http.MethodGet, "/markets/M1/orderbook", query); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(s.paths) != 1 || s.paths[0] != "GET /trade-api/v2/markets/M1/orderbook" {
			t.Errorf("signed = %v, want [GET /trade-api/v2/markets/M1/orderbook]", s.paths)
		}
	})

	t.Run("signer error aborts request", func(t *testing.T) {
		var hits int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
		}))
		defer server.Close()

		c := NewClient(server.URL, "", WithSigner(&fakeSigner{err: errors.New("no key")}))
		_, err := c.doRequest(context.Background(), http.MethodGet, "/test", nil)
		if err == nil || !strings.Contains(err.Error(), "sign request") {
			t.Fatalf("err = %v, want sign request error", err)
		}
		if hits != 0 {
			t.Errorf("server hits = %d, want 0", hits)
		}
	})
}

// TestGetOrders tests the GetOrders and GetAllOrders methods.
func TestGetOrders(t *testing.T) {
	t.Run("query parameters", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/portfolio/orders" {
				t.Errorf("path = %q, want %q", r.URL.Path, "/portfolio/orders")
			}
			q := r.URL.Query()
			if q.Get("address") != "0xabc" {
				t.Errorf("address = %q, want %q", q.Get("address"), "0xabc")
			}
			if q.Get("status") != "resting" {
				t.Errorf("status = %q, want %q", q.Get("status"), "resting")
			}
			if q.Has("cursor") {
				t.Error("cursor should not be set on the first page")
			}
			json.NewEncoder(w).Encode(OrdersResponse{Orders: []APIOrder{{OrderID: "o1"}}})
		}))
		defer server.Close()

		c := NewClient(server.URL, "key")
		resp, err := c.GetOrders(context.Background(), GetOrdersOptions{Address: "0xabc", Status: "resting"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(resp.Orders) != 1 {
			t.Errorf("len(Orders) = %d, want 1", len(resp.Orders))
		}
	})

	t.Run("paginates until empty cursor", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n := atomic.AddInt32(&calls, 1)
			switch r.URL.Query().Get("cursor") {
			case "":
				json.NewEncoder(w).Encode(OrdersResponse{Orders: []APIOrder{{OrderID: "o1"}}, Cursor: "p2"})
			case "p2":
				json.NewEncoder(w).Encode(OrdersResponse{Orders: []APIOrder{{OrderID: "o2"}, {OrderID: "o3"}}})
			default:
				t.Errorf("call %d: unexpected cursor %q", n, r.URL.Query().Get("cursor"))
			}
		}))
		defer server.Close()

		c := NewClient(server.URL, "key")
		orders, err := c.GetAllOrders(context.Background(), GetOrdersOptions{Address: "0xabc"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(orders) != 3 {
			t.Errorf("len(orders) = %d, want 3", len(orders))
		}
		if calls != 2 {
			t.Errorf("calls = %d, want 2", calls)
		}
	})

	t.Run("stops at page limit", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			json.NewEncoder(w).Encode(OrdersResponse{Orders: []APIOrder{{OrderID: "x"}}, Cursor: "again"})
		}))
		defer server.Close()

		c := NewClient(server.URL, "key")
		orders, err := c.GetAllOrders(context.Background(), GetOrdersOptions{Address: "0xabc"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if int(calls) != maxOrderPages || len(orders) != maxOrderPages {
			t.Errorf("calls = %d, orders = %d, want %d each", calls, len(orders), maxOrderPages)
		}
	})
}

// TestIsNotFound tests 404 classification through wrapping.
func TestIsNotFound(t *testing.T) {
	wrapped := fmt.Errorf("get market M1: %w", &APIError{StatusCode: http.StatusNotFound})
	if !IsNotFound(wrapped) {
		t.Error("IsNotFound(wrapped 404) = false, want true")
	}
	if IsNotFound(&APIError{StatusCode: http.StatusInternalServerError}) {
		t.Error("IsNotFound(500) = true, want false")
	}
	if IsNotFound(errors.New("boom")) {
		t.Error("IsNotFound(plain error) = true, want false")
	}
}
