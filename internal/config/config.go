// Package config loads the broker's tunables (spec §6) from a TOML file and
// overlays environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable the broker core needs at startup. Once loaded
// it is treated as a closed set of constants — nothing in the core mutates
// it at runtime.
type Config struct {
	Listen struct {
		HTTP string `toml:"http"` // client-facing RPC, e.g. ":8080"
		WS   string `toml:"ws"`   // provider-facing duplex transport, e.g. ":8081"
	} `toml:"listen"`

	Timeouts struct {
		Ping              time.Duration `toml:"-"`
		PingSeconds       int           `toml:"ping_seconds"`
		Heartbeat         time.Duration `toml:"-"`
		HeartbeatSeconds  int           `toml:"heartbeat_timeout_seconds"`
		Request           time.Duration `toml:"-"`
		RequestSeconds    int           `toml:"request_seconds"`
		MaxRequest        time.Duration `toml:"-"`
		MaxRequestSeconds int           `toml:"max_request_seconds"`
	} `toml:"timeouts"`

	LoadThreshold int `toml:"load_threshold"`

	Tokenomics struct {
		// PlatformFeeRate is loaded from TOML and the environment but is not
		// read by settlement: fees are computed with the fixed
		// tokenomics.PlatformFeeRate constant.
		PlatformFeeRate float64 `toml:"platform_fee_rate"`
		WelcomeAmount   float64 `toml:"welcome_amount"`
	} `toml:"tokenomics"`

	Store struct {
		SQLitePath string `toml:"sqlite_path"`
	} `toml:"store"`

	Redis struct {
		URL      string `toml:"url"`
		Password string `toml:"password"`
	} `toml:"redis"`
}

// Default returns the tunables named in spec §6: T_ping=15s, T_timeout=45s,
// T_req=180s (hard cap 300s), load_threshold=5, platform_fee_rate=0.10,
// welcome_amount=1.0.
func Default() *Config {
	c := &Config{}
	c.Listen.HTTP = ":8080"
	c.Listen.WS = ":8081"
	c.Timeouts.PingSeconds = 15
	c.Timeouts.HeartbeatSeconds = 45
	c.Timeouts.RequestSeconds = 180
	c.Timeouts.MaxRequestSeconds = 300
	c.LoadThreshold = 5
	c.Tokenomics.PlatformFeeRate = 0.10
	c.Tokenomics.WelcomeAmount = 1.0
	c.Store.SQLitePath = "llmule.db"
	c.Redis.URL = "redis://127.0.0.1:6379/0"
	c.resolveDurations()
	return c
}

// Load reads path (if non-empty and present) over the defaults, then applies
// environment overrides, then resolves the *Seconds fields into the
// time.Duration fields the core actually consumes.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, c); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	c.applyEnvOverrides()
	c.resolveDurations()
	return c, nil
}

func (c *Config) resolveDurations() {
	c.Timeouts.Ping = time.Duration(c.Timeouts.PingSeconds) * time.Second
	c.Timeouts.Heartbeat = time.Duration(c.Timeouts.HeartbeatSeconds) * time.Second
	c.Timeouts.Request = time.Duration(c.Timeouts.RequestSeconds) * time.Second
	c.Timeouts.MaxRequest = time.Duration(c.Timeouts.MaxRequestSeconds) * time.Second
}

// applyEnvOverrides lets every tunable except max_request_seconds be
// overridden without touching the TOML file, for deployment-time tuning.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LLMULE_LISTEN_HTTP"); v != "" {
		c.Listen.HTTP = v
	}
	if v := os.Getenv("LLMULE_LISTEN_WS"); v != "" {
		c.Listen.WS = v
	}
	if v := envInt("LLMULE_T_PING_SECONDS"); v != 0 {
		c.Timeouts.PingSeconds = v
	}
	if v := envInt("LLMULE_T_TIMEOUT_SECONDS"); v != 0 {
		c.Timeouts.HeartbeatSeconds = v
	}
	if v := envInt("LLMULE_T_REQ_SECONDS"); v != 0 {
		c.Timeouts.RequestSeconds = v
	}
	if v := envInt("LLMULE_LOAD_THRESHOLD"); v != 0 {
		c.LoadThreshold = v
	}
	if v := envFloat("LLMULE_PLATFORM_FEE_RATE"); v != 0 {
		c.Tokenomics.PlatformFeeRate = v
	}
	if v := envFloat("LLMULE_WELCOME_AMOUNT"); v != 0 {
		c.Tokenomics.WelcomeAmount = v
	}
	if v := os.Getenv("LLMULE_SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
	if v := os.Getenv("LLMULE_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("LLMULE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envFloat(key string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}
