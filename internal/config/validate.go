package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *RelayConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.SendBuffer < 1 {
		return errors.New("server.send_buffer must be >= 1")
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst < 1 {
		return errors.New("server.rate_limit must be > 0 and server.rate_burst >= 1")
	}

	if c.Poller.Interval <= 0 {
		return errors.New("poller.interval must be > 0")
	}
	if c.Poller.FetchTimeout <= 0 {
		return errors.New("poller.fetch_timeout must be > 0")
	}

	if c.Upstream.Enabled {
		if c.Upstream.WSURL == "" {
			return errors.New("upstream.ws_url is required when upstream is enabled")
		}
		if len(c.Upstream.Channels) == 0 {
			return errors.New("upstream.channels must not be empty when upstream is enabled")
		}
		if c.Upstream.ReconnectBaseDelay > c.Upstream.ReconnectMaxDelay {
			return fmt.Errorf("upstream.reconnect_base_delay (%v) cannot exceed reconnect_max_delay (%v)",
				c.Upstream.ReconnectBaseDelay, c.Upstream.ReconnectMaxDelay)
		}
	}

	if c.API.RestURL == "" {
		return errors.New("api.rest_url is required")
	}
	if (c.API.KeyID == "") != (c.API.PrivateKeyPath == "") {
		return errors.New("api.key_id and api.private_key_path must be set together")
	}

	switch c.Source.Orderbook {
	case SourceREST:
	case SourceTimescale:
		if err := c.Database.Timescale.validate("database.timescale"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("source.orderbook must be %q or %q, got %q", SourceREST, SourceTimescale, c.Source.Orderbook)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
