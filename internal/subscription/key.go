package subscription

import (
	"net/url"
)

// Key identifies a subscribable resource: a channel plus its parameters.
//
// Params are stored in canonical (sorted, url-encoded) form so two requests
// with the same parameters in a different order produce equal keys. Key is
// comparable and safe to use as a map key.
type Key struct {
	Channel string
	params  string
}

// NewKey builds the canonical key for channel and params.
func NewKey(channel string, params map[string]string) Key {
	values := make(url.Values, len(params))
	for name, v := range params {
		values.Set(name, v)
	}
	// Encode sorts by name.
	return Key{Channel: channel, params: values.Encode()}
}

// Params returns a fresh copy of the key's parameters.
func (k Key) Params() map[string]string {
	values, err := url.ParseQuery(k.params)
	if err != nil {
		// Only NewKey builds params, so this is unreachable.
		return map[string]string{}
	}
	out := make(map[string]string, len(values))
	for name := range values {
		out[name] = values.Get(name)
	}
	return out
}

// Param returns a single parameter, or "" if absent.
func (k Key) Param(name string) string {
	values, err := url.ParseQuery(k.params)
	if err != nil {
		return ""
	}
	return values.Get(name)
}

// String renders the key as "channel?a=1&b=2" for logs.
func (k Key) String() string {
	if k.params == "" {
		return k.Channel
	}
	return k.Channel + "?" + k.params
}
