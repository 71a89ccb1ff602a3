// relayprobe connects to a running relay, subscribes to the given channels
// and prints every frame it receives.
//
// Usage:
//
//	go run ./cmd/relayprobe -url ws://localhost:8080/ws orderbook:resource_id=KXBTC-26JAN02 trade
//
// Each argument is channel[:name=value[,name=value...]].
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/market-relay/internal/protocol"
)

// request is an outbound subscribe or unsubscribe frame.
type request struct {
	Type    string            `json:"type"`
	Channel string            `json:"channel"`
	Params  map[string]string `json:"params"`
}

// frame is the subset of a relay frame the probe summarizes.
type frame struct {
	Type     string            `json:"type"`
	ClientID string            `json:"clientId"`
	Channel  string            `json:"channel"`
	Params   map[string]string `json:"params"`
	Message  string            `json:"message"`
	Data     json.RawMessage   `json:"data"`
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "relay WebSocket URL")
	verbose := flag.Bool("verbose", false, "print full frame JSON")
	pingEvery := flag.Duration("ping", 20*time.Second, "application ping interval (0 disables)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	subs := make([]request, 0, flag.NArg())
	for _, arg := range flag.Args() {
		req, err := parseSubscription(arg)
		if err != nil {
			logger.Error("invalid subscription", "arg", arg, "error", err)
			os.Exit(2)
		}
		subs = append(subs, req)
	}
	if len(subs) == 0 {
		logger.Error("no subscriptions given")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *url, subs, *pingEvery, *verbose, os.Stdout, logger); err != nil {
		logger.Error("probe failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, url string, subs []request, pingEvery time.Duration, verbose bool, out io.Writer, logger *slog.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()
	logger.Info("connected", "url", url)

	for _, s := range subs {
		if err := conn.WriteJSON(s); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.Channel, err)
		}
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			printFrame(out, data, verbose)
		}
	}()

	var tick <-chan time.Time
	if pingEvery > 0 {
		t := time.NewTicker(pingEvery)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			for _, s := range subs {
				s.Type = protocol.TypeUnsubscribe
				_ = conn.WriteJSON(s)
			}
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			logger.Info("disconnected")
			return nil
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("relay closed the connection")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		case <-tick:
			if err := conn.WriteJSON(map[string]string{"type": protocol.TypePing}); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// parseSubscription parses channel[:name=value[,name=value...]].
func parseSubscription(arg string) (request, error) {
	channel, rest, _ := strings.Cut(arg, ":")
	if channel == "" {
		return request{}, errors.New("empty channel")
	}

	params := make(map[string]string)
	if rest != "" {
		for _, pair := range strings.Split(rest, ",") {
			name, value, ok := strings.Cut(pair, "=")
			if !ok || name == "" {
				return request{}, fmt.Errorf("param %q is not name=value", pair)
			}
			params[name] = value
		}
	}
	return request{Type: protocol.TypeSubscribe, Channel: channel, Params: params}, nil
}

func printFrame(w io.Writer, data []byte, verbose bool) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		// Upstream passthrough frames carry their own envelope.
		fmt.Fprintf(w, "[RAW] %s\n", data)
		return
	}

	if verbose {
		fmt.Fprintf(w, "[%s] %s\n", strings.ToUpper(f.Type), data)
		return
	}

	switch f.Type {
	case protocol.TypeConnected:
		fmt.Fprintf(w, "[CONNECTED] client=%s\n", f.ClientID)
	case protocol.TypeSubscribed, protocol.TypeUnsubscribed:
		fmt.Fprintf(w, "[%s] %s %s\n", strings.ToUpper(f.Type), f.Channel, formatParams(f.Params))
	case protocol.TypeError:
		fmt.Fprintf(w, "[ERROR] %s\n", f.Message)
	case protocol.TypePong:
		fmt.Fprintln(w, "[PONG]")
	default:
		fmt.Fprintf(w, "[%s] %s %s bytes=%d\n", strings.ToUpper(f.Type), f.Channel, formatParams(f.Params), len(f.Data))
	}
}

func formatParams(params map[string]string) string {
	if len(params) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(params)
	return string(b)
}
