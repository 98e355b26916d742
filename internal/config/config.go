package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds collector server configuration.
type Config struct {
	// Addr is the listen address for the HTTP(S) server.
	Addr string
	// DatabasePath is the SQLite database file path.
	DatabasePath string
	// AuthSecret, when set, requires clients to present a signed access
	// token in the authorize call. Empty means open authorization: the
	// client-supplied user id is trusted as-is.
	AuthSecret string
	Debug      bool
	// AllowedOrigins restricts CORS and websocket origins. "*" allows all.
	AllowedOrigins []string
}

// Overrides optionally overrides values from environment variables.
//
// A nil pointer means "use the environment/default value".
type Overrides struct {
	Addr         *string
	DatabasePath *string
	AuthSecret   *string
	Debug        *bool
}

// Load loads server configuration from environment variables and applies any
// explicit overrides.
func Load(overrides Overrides) (*Config, error) {
	port := 8020
	if portStr := os.Getenv("PORT"); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT value %q: %w", portStr, err)
		}
		port = p
	}

	addr := fmt.Sprintf(":%d", port)
	if overrides.Addr != nil {
		addr = *overrides.Addr
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./collector.db"
	}
	if overrides.DatabasePath != nil {
		dbPath = *overrides.DatabasePath
	}

	authSecret := os.Getenv("COLLECTOR_AUTH_SECRET")
	if overrides.AuthSecret != nil {
		authSecret = *overrides.AuthSecret
	}

	debug := false
	if debugStr := os.Getenv("DEBUG"); debugStr == "true" || debugStr == "1" {
		debug = true
	}
	if overrides.Debug != nil {
		debug = *overrides.Debug
	}

	origins := []string{"*"}
	if originsStr := os.Getenv("ALLOWED_ORIGINS"); originsStr != "" {
		origins = origins[:0]
		for _, origin := range strings.Split(originsStr, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}

	return &Config{
		Addr:           addr,
		DatabasePath:   dbPath,
		AuthSecret:     authSecret,
		Debug:          debug,
		AllowedOrigins: origins,
	}, nil
}
