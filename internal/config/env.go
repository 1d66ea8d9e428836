package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every override variable.
const EnvPrefix = "CHATSYNC_"

func applyEnv(c *Config) {
	c.Database.Backend = envString("DATABASE_BACKEND", c.Database.Backend)
	c.Database.Path = envString("DATABASE_PATH", c.Database.Path)
	c.Feed.URL = envString("FEED_URL", c.Feed.URL)
	c.Feed.Origin = envString("FEED_ORIGIN", c.Feed.Origin)
	c.Feed.Token = envString("FEED_TOKEN", c.Feed.Token)
	c.Recovery.URL = envString("RECOVERY_URL", c.Recovery.URL)
	c.Recovery.Token = envString("RECOVERY_TOKEN", c.Recovery.Token)
	c.Recovery.WindowLimit = envInt("RECOVERY_WINDOW_LIMIT", c.Recovery.WindowLimit)
	c.Client.Kind = envString("CLIENT_KIND", c.Client.Kind)
	c.Sequencer.CoalesceDelay = Duration(envDuration("SEQUENCER_COALESCE_DELAY", c.Sequencer.CoalesceDelay.Std()))
	c.Access.DSN = envString("ACCESS_DSN", c.Access.DSN)
	c.Access.UserID = envString("ACCESS_USER_ID", c.Access.UserID)
	c.Metrics.Addr = envString("METRICS_ADDR", c.Metrics.Addr)
	c.Log.Level = envString("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("LOG_FORMAT", c.Log.Format)
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if v == "" {
		return def
	}
	return v
}

// envInt reads a positive int; anything else keeps def.
func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
