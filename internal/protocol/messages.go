package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Message types on the downstream wire.
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypePing         = "ping"
	TypeConnected    = "connected"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePong         = "pong"
	TypeError        = "error"
)

// UpdateSuffix is appended to a channel name to form its update type
// ("orderbook" -> "orderbook_update").
const UpdateSuffix = "_update"

// timestampLayout matches JavaScript's Date.toISOString output.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrMalformed is wrapped by every Parse failure.
var ErrMalformed = errors.New("malformed message")

// Inbound is a validated client message. The concrete type is one of
// Subscribe, Unsubscribe or Ping.
type Inbound interface {
	inbound()
}

// Subscribe asks for updates on a channel.
type Subscribe struct {
	Channel string
	Params  map[string]string
}

// Unsubscribe withdraws interest in a channel.
type Unsubscribe struct {
	Channel string
	Params  map[string]string
}

// Ping is an application-level keepalive.
type Ping struct{}

func (Subscribe) inbound()   {}
func (Unsubscribe) inbound() {}
func (Ping) inbound()        {}

// envelope is the raw shape of every inbound frame.
type envelope struct {
	Type    string         `json:"type"`
	Channel string         `json:"channel"`
	Params  map[string]any `json:"params"`
}

// Parse decodes and validates one inbound frame.
func Parse(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypePing:
		return Ping{}, nil

	case TypeSubscribe, TypeUnsubscribe:
		if env.Channel == "" {
			return nil, fmt.Errorf("%w: %s without channel", ErrMalformed, env.Type)
		}
		params, err := normalizeParams(env.Params)
		if err != nil {
			return nil, err
		}
		if env.Type == TypeSubscribe {
			return Subscribe{Channel: env.Channel, Params: params}, nil
		}
		return Unsubscribe{Channel: env.Channel, Params: params}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
}

// normalizeParams flattens scalar JSON values to strings so that
// {"id":1} and {"id":"1"} name the same resource.
func normalizeParams(raw map[string]any) (map[string]string, error) {
	params := make(map[string]string, len(raw))
	for name, v := range raw {
		switch val := v.(type) {
		case string:
			params[name] = val
		case float64:
			params[name] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			params[name] = strconv.FormatBool(val)
		default:
			return nil, fmt.Errorf("%w: param %q must be a scalar", ErrMalformed, name)
		}
	}
	return params, nil
}

// Connected is sent once, right after accept.
type Connected struct {
	Type      string `json:"type"`
	ClientID  string `json:"clientId"`
	Timestamp string `json:"timestamp"`
}

// Ack confirms a subscribe or unsubscribe.
type Ack struct {
	Type    string            `json:"type"`
	Channel string            `json:"channel"`
	Params  map[string]string `json:"params"`
}

// Pong answers a Ping.
type Pong struct {
	Type string `json:"type"`
}

// Update carries one snapshot for a polled resource.
type Update struct {
	Type    string            `json:"type"`
	Channel string            `json:"channel"`
	Params  map[string]string `json:"params,omitempty"`
	Data    json.RawMessage   `json:"data"`
}

// Error reports a rejected request. The connection stays open.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewConnected builds the accept acknowledgment.
func NewConnected(clientID string, at time.Time) Connected {
	return Connected{
		Type:      TypeConnected,
		ClientID:  clientID,
		Timestamp: at.UTC().Format(timestampLayout),
	}
}

// NewSubscribed acknowledges a subscribe.
func NewSubscribed(channel string, params map[string]string) Ack {
	return Ack{Type: TypeSubscribed, Channel: channel, Params: nonNil(params)}
}

// NewUnsubscribed acknowledges an unsubscribe.
func NewUnsubscribed(channel string, params map[string]string) Ack {
	return Ack{Type: TypeUnsubscribed, Channel: channel, Params: nonNil(params)}
}

// NewPong answers a ping.
func NewPong() Pong {
	return Pong{Type: TypePong}
}

// NewUpdate wraps a snapshot for channel.
func NewUpdate(channel string, params map[string]string, data json.RawMessage) Update {
	return Update{
		Type:    channel + UpdateSuffix,
		Channel: channel,
		Params:  params,
		Data:    data,
	}
}

// NewError reports a rejected request.
func NewError(msg string) Error {
	return Error{Type: TypeError, Message: msg}
}

// Encode marshals an outbound message.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}
	return data, nil
}

func nonNil(params map[string]string) map[string]string {
	if params == nil {
		return map[string]string{}
	}
	return params
}
