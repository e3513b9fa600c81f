package server

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/bridgefall/gamelink/pkg/commons/config"
	"github.com/bridgefall/gamelink/pkg/token"
)

const (
	defaultMaxClients           = 64
	hardMaxClients              = 256
	defaultClientTimeout        = 20 * time.Second
	defaultHandshakeTimeout     = 5 * time.Second
	defaultKeepaliveInterval    = 100 * time.Millisecond
	defaultDisconnectRedundancy = 10
	defaultSendQueueSize        = 256
	defaultEventQueueSize       = 1024
	defaultHelloRatePPS         = 20
	defaultHelloRateBurst       = 5
	defaultMetricsInterval      = 10 * time.Second
	defaultLogInterval          = 10 * time.Second
)

const invalidConfigPrefix = "invalid config"

// Config defines the server configuration.
type Config struct {
	MaxClients           int
	ClientTimeout        time.Duration
	HandshakeTimeout     time.Duration
	KeepaliveInterval    time.Duration
	DisconnectRedundancy int
	SendQueueSize        int
	EventQueueSize       int
	HelloRatePPS         int
	HelloRateBurst       int
	NonceCacheSize       int
	MetricsInterval      time.Duration
	LogInterval          time.Duration
	LogLevel             string
	// Carried for deployments that shape traffic upstream; not enforced.
	MaxIncomingBytesPerSecond int
	MaxOutgoingBytesPerSecond int

	Logger *slog.Logger
	// Now is the wall clock used for token expiration and log throttling.
	Now func() time.Time
}

// FileConfig defines the JSON config for the server process.
type FileConfig struct {
	ListenAddr                string          `json:"listen_addr"`
	PublicAddr                string          `json:"public_addr"`
	SecretKey                 string          `json:"secret_key"`
	MaxClients                int             `json:"max_clients"`
	ClientTimeout             config.Duration `json:"client_timeout"`
	HandshakeTimeout          config.Duration `json:"handshake_timeout"`
	KeepaliveInterval         config.Duration `json:"keepalive_interval"`
	DisconnectRedundancy      int             `json:"disconnect_redundancy"`
	SendQueueSize             int             `json:"send_queue_size"`
	EventQueueSize            int             `json:"event_queue_size"`
	HelloRatePPS              int             `json:"hello_rate_pps"`
	HelloRateBurst            int             `json:"hello_rate_burst"`
	NonceCacheSize            int             `json:"nonce_cache_size"`
	MaxIncomingBytesPerSecond int             `json:"max_incoming_bytes_per_second"`
	MaxOutgoingBytesPerSecond int             `json:"max_outgoing_bytes_per_second"`
	TickInterval              config.Duration `json:"tick_interval"`
	MetricsInterval           config.Duration `json:"metrics_interval"`
	LogLevel                  string          `json:"log_level"`
	Verbose                   bool            `json:"verbose"`
	TokenAPI                  TokenAPIConfig  `json:"token_api"`
}

// TokenAPIConfig is the optional HTTP token issuer section.
type TokenAPIConfig struct {
	ListenAddr     string          `json:"listen_addr"`
	TokenTTL       config.Duration `json:"token_ttl"`
	RatePerSecond  float64         `json:"rate_per_second"`
	RateBurst      int             `json:"rate_burst"`
	MaxConnections int             `json:"max_connections"`
}

// Deployment is a fully resolved FileConfig.
type Deployment struct {
	ListenAddr   string
	PublicAddr   netip.AddrPort
	Keys         token.KeyPair
	TickInterval time.Duration
	Server       Config
	TokenAPI     TokenAPIConfig
}

// ToDeployment converts the file config, decoding keys and addresses.
func (c FileConfig) ToDeployment() (Deployment, error) {
	logLevel := c.LogLevel
	if logLevel == "" && c.Verbose {
		logLevel = "debug"
	}
	if c.ListenAddr == "" {
		return Deployment{}, fmt.Errorf("%s: listen_addr required", invalidConfigPrefix)
	}
	public := c.PublicAddr
	if public == "" {
		public = c.ListenAddr
	}
	publicAddr, err := netip.ParseAddrPort(public)
	if err != nil {
		return Deployment{}, fmt.Errorf("%s: public_addr: %w", invalidConfigPrefix, err)
	}
	if publicAddr.Addr().IsUnspecified() {
		return Deployment{}, fmt.Errorf("%s: public_addr must be routable, got %s", invalidConfigPrefix, publicAddr)
	}
	if c.SecretKey == "" {
		return Deployment{}, fmt.Errorf("%s: secret_key required", invalidConfigPrefix)
	}
	secret, err := token.DecodeKeyBase64(c.SecretKey)
	if err != nil {
		return Deployment{}, fmt.Errorf("%s: secret_key invalid: %w", invalidConfigPrefix, err)
	}
	pub, err := token.DerivePublicKey(secret)
	if err != nil {
		return Deployment{}, fmt.Errorf("%s: secret_key invalid: %w", invalidConfigPrefix, err)
	}

	cfg := Config{
		MaxClients:                c.MaxClients,
		ClientTimeout:             c.ClientTimeout.Duration,
		HandshakeTimeout:          c.HandshakeTimeout.Duration,
		KeepaliveInterval:         c.KeepaliveInterval.Duration,
		DisconnectRedundancy:      c.DisconnectRedundancy,
		SendQueueSize:             c.SendQueueSize,
		EventQueueSize:            c.EventQueueSize,
		HelloRatePPS:              c.HelloRatePPS,
		HelloRateBurst:            c.HelloRateBurst,
		NonceCacheSize:            c.NonceCacheSize,
		MaxIncomingBytesPerSecond: c.MaxIncomingBytesPerSecond,
		MaxOutgoingBytesPerSecond: c.MaxOutgoingBytesPerSecond,
		MetricsInterval:           c.MetricsInterval.Duration,
		LogLevel:                  logLevel,
	}
	if cfg, err = normalizeConfig(cfg); err != nil {
		return Deployment{}, err
	}
	tick := c.TickInterval.Duration
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	return Deployment{
		ListenAddr:   c.ListenAddr,
		PublicAddr:   publicAddr,
		Keys:         token.KeyPair{Public: pub, Secret: secret},
		TickInterval: tick,
		Server:       cfg,
		TokenAPI:     c.TokenAPI,
	}, nil
}

// LoadConfig reads a JSON config file, applies overrides in order and
// validates the result.
func LoadConfig(path string, overrides ...func(*FileConfig)) (Deployment, error) {
	var fileCfg FileConfig
	if err := config.LoadJSONFile(path, &fileCfg); err != nil {
		return Deployment{}, err
	}
	for _, override := range overrides {
		override(&fileCfg)
	}
	return fileCfg.ToDeployment()
}

func normalizeConfig(cfg Config) (Config, error) {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = defaultMaxClients
	}
	if cfg.MaxClients > hardMaxClients {
		return Config{}, fmt.Errorf("%s: max_clients must not exceed %d", invalidConfigPrefix, hardMaxClients)
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = defaultClientTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	if cfg.KeepaliveInterval >= cfg.ClientTimeout {
		return Config{}, fmt.Errorf("%s: keepalive_interval must be shorter than client_timeout", invalidConfigPrefix)
	}
	if cfg.DisconnectRedundancy <= 0 {
		cfg.DisconnectRedundancy = defaultDisconnectRedundancy
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = defaultEventQueueSize
	}
	if cfg.HelloRatePPS <= 0 {
		cfg.HelloRatePPS = defaultHelloRatePPS
	}
	if cfg.HelloRateBurst <= 0 {
		cfg.HelloRateBurst = defaultHelloRateBurst
	}
	if cfg.NonceCacheSize <= 0 {
		cfg.NonceCacheSize = token.DefaultNonceCacheSize
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = defaultMetricsInterval
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = defaultLogInterval
	}
	if cfg.MaxIncomingBytesPerSecond < 0 || cfg.MaxOutgoingBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("%s: bandwidth limits must not be negative", invalidConfigPrefix)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	switch cfg.LogLevel {
	case "", "error", "warn", "info", "debug":
	default:
		return Config{}, fmt.Errorf("%s: log_level must be 'error', 'warn', 'info' or 'debug'", invalidConfigPrefix)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg, nil
}
