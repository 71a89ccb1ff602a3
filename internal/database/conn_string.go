package database

import (
	"fmt"
	"net/url"

	"github.com/rickgao/market-relay/internal/config"
)

// BuildConnString builds a PostgreSQL connection string from config.
// appName, when set, is reported to the server as application_name.
func BuildConnString(cfg config.DBConfig, appName string) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	if appName != "" {
		query.Set("application_name", appName)
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?%s",
		cfg.User,
		url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
		cfg.Name,
		query.Encode(),
	)
}
