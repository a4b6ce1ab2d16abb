// Package config centralises the recognised runtime options behind one
// struct with sane defaults, loadable either by direct construction (SDK
// embedders) or via github.com/spf13/viper from environment variables and an
// optional file. Precedence is flags/direct > env > file > defaults.
package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/viper"

	"github.com/Voskan/gsfleet/internal/logging"
	"github.com/Voskan/gsfleet/pkg/gserr"
)

// scopePattern matches individual entries of a bot credential scope-list.
// The platform's scope enum is not re-derived here; we only enforce the
// shape a scope string must have.
var scopePattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// Credentials identifies an automation principal with the platform: either a
// bot {ClientID, ClientSecret, Scopes} triple or a user {Username,
// PasswordHash} pair. The two are mutually exclusive.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Scopes       []string

	Username     string
	PasswordHash string // already-hashed or raw; Token Manager normalises it
}

// IsBot reports whether this credential set identifies as a bot principal.
func (c Credentials) IsBot() bool { return c.ClientID != "" || c.ClientSecret != "" }

// Validate enforces the bot/user mutual-exclusivity invariant, returning
// gserr.ErrConfig when it is violated.
func (c Credentials) Validate() error {
	bot := c.ClientID != "" || c.ClientSecret != "" || len(c.Scopes) > 0
	user := c.Username != "" || c.PasswordHash != ""
	switch {
	case bot && user:
		return fmt.Errorf("%w: credentials specify both bot and user fields", gserr.ErrConfig)
	case !bot && !user:
		return fmt.Errorf("%w: no credentials supplied", gserr.ErrConfig)
	case bot && (c.ClientID == "" || c.ClientSecret == ""):
		return fmt.Errorf("%w: bot credentials require both clientId and clientSecret", gserr.ErrConfig)
	case user && c.Username == "":
		return fmt.Errorf("%w: user credentials require a username", gserr.ErrConfig)
	}
	for _, s := range c.Scopes {
		if !scopePattern.MatchString(s) {
			return fmt.Errorf("%w: malformed scope %q", gserr.ErrConfig, s)
		}
	}
	return nil
}

// Config collects every recognised runtime option. All duration fields are
// real time.Duration values even though the wire protocol they ultimately
// feed expresses most of them in milliseconds.
type Config struct {
	// Principal -----------------------------------------------------------
	Credentials Credentials

	// Identity / scoping -----------------------------------------------
	ExcludedGroups []string
	IncludedGroups []string

	// Logging -------------------------------------------------------------
	LogVerbosity logging.Verbosity
	LogPrefix    string

	// Worker pool -----------------------------------------------------
	MaxWorkerConcurrency int

	// Account-socket fan-out -------------------------------------------
	MaxSubscriptionsPerWebSocket int

	// Server liveness ---------------------------------------------------
	MaxMissedServerHeartbeats   int
	ServerHeartbeatInterval     time.Duration
	ServerConnectionRecoveryDelay time.Duration
	SupportedServerFleets       []string

	// Account WebSocket lifecycle ----------------------------------------
	WebSocketPingInterval           time.Duration
	WebSocketMigrationInterval      time.Duration
	WebSocketMigrationHandoverPeriod time.Duration
	WebSocketMigrationRetryDelay    time.Duration
	WebSocketRecoveryRetryDelay     time.Duration
	WebSocketRecoveryTimeout        time.Duration
	WebSocketRequestAttempts        int
	WebSocketRequestRetryDelay      time.Duration

	// REST Gateway --------------------------------------------------------
	APIRequestAttempts   int
	APIRequestRetryDelay time.Duration
	APIRequestTimeout    time.Duration

	// Endpoints -------------------------------------------------------------
	RestBaseURL  string
	TokenURL     string
	WebSocketURL string
	XAPIKey      string

	// RedisURL, if set, enables a shared accept-group-invite idempotency
	// cache across multiple Supervisor processes running the same
	// credential set. Empty disables it; this is the common case.
	RedisURL      string
	RedisDedupTTL time.Duration

	// UserAgent is sent as the User-Agent header on every outbound request.
	UserAgent string
}

// Default returns the documented out-of-the-box configuration defaults.
func Default() Config {
	return Config{
		LogVerbosity: logging.VInfo,

		MaxWorkerConcurrency: 5,

		MaxSubscriptionsPerWebSocket: 500,

		MaxMissedServerHeartbeats:     3,
		ServerHeartbeatInterval:       20 * time.Second,
		ServerConnectionRecoveryDelay: 10 * time.Second,
		SupportedServerFleets:         []string{"att-release", "att-quest"},

		WebSocketPingInterval:            5 * time.Minute,
		WebSocketMigrationInterval:       110 * time.Minute,
		WebSocketMigrationHandoverPeriod: 10 * time.Second,
		WebSocketMigrationRetryDelay:     10 * time.Second,
		WebSocketRecoveryRetryDelay:      5 * time.Second,
		WebSocketRecoveryTimeout:         2 * time.Minute,
		WebSocketRequestAttempts:         3,
		WebSocketRequestRetryDelay:       3 * time.Second,

		APIRequestAttempts:   3,
		APIRequestRetryDelay: 3 * time.Second,
		APIRequestTimeout:    5 * time.Second,

		RedisDedupTTL: time.Minute,

		UserAgent: "gsfleet/0.1",
	}
}

// Load reads configuration from environment variables under envPrefix
// (AutomaticEnv) plus an optional file, merging onto Default(). A caller
// that already has a fully-formed Config (the common SDK embedding path)
// should simply skip Load and use Default()/a literal Config.
func Load(filePath, envPrefix string) Config {
	cfg := Default()

	v := viper.New()
	if envPrefix != "" {
		v.SetEnvPrefix(envPrefix)
		v.AutomaticEnv()
	}
	if filePath != "" {
		v.SetConfigFile(filePath)
		_ = v.ReadInConfig() // optional: absence/parse failure falls back to defaults
	}

	if s := v.GetString("REST_BASE_URL"); s != "" {
		cfg.RestBaseURL = s
	}
	if s := v.GetString("TOKEN_URL"); s != "" {
		cfg.TokenURL = s
	}
	if s := v.GetString("WEBSOCKET_URL"); s != "" {
		cfg.WebSocketURL = s
	}
	if s := v.GetString("X_API_KEY"); s != "" {
		cfg.XAPIKey = s
	}
	if s := v.GetString("REDIS_URL"); s != "" {
		cfg.RedisURL = s
	}
	if n := v.GetInt("MAX_WORKER_CONCURRENCY"); n > 0 {
		cfg.MaxWorkerConcurrency = n
	}
	if n := v.GetInt("MAX_SUBSCRIPTIONS_PER_WEBSOCKET"); n > 0 {
		cfg.MaxSubscriptionsPerWebSocket = n
	}
	if d := v.GetDuration("SERVER_HEARTBEAT_INTERVAL"); d > 0 {
		cfg.ServerHeartbeatInterval = d
	}
	if ss := v.GetStringSlice("INCLUDED_GROUPS"); len(ss) > 0 {
		cfg.IncludedGroups = ss
	}
	if ss := v.GetStringSlice("EXCLUDED_GROUPS"); len(ss) > 0 {
		cfg.ExcludedGroups = ss
	}

	return cfg
}

// OverWorkerCapacityWarning is the soft threshold above which the Supervisor
// logs a warning (but does not clamp) for MaxWorkerConcurrency.
const OverWorkerCapacityWarning = 10
