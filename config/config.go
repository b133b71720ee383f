package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full engine configuration, loaded from config.json with
// environment variable overrides taking precedence.
type Config struct {
	ExchangeConfig     ExchangeConfig     `json:"exchange"`
	TradingConfig      TradingConfig      `json:"trading"`
	StrategyConfig     StrategyConfig     `json:"strategy"`
	ExitConfig         ExitConfig         `json:"exits"`
	RiskConfig         RiskConfig         `json:"risk"`
	NotificationConfig NotificationConfig `json:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	ServerConfig       ServerConfig       `json:"server"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	VaultConfig        VaultConfig        `json:"vault"`
	RecorderConfig     RecorderConfig     `json:"recorder"`
}

// ExchangeConfig holds venue connectivity settings.
type ExchangeConfig struct {
	BaseURL string `json:"base_url"`
	// StreamURL is the websocket endpoint for market data.
	StreamURL string `json:"stream_url"`
	// EnableTrading selects the live REST client; false runs the engine
	// against the simulated venue.
	EnableTrading bool `json:"enable_trading"`
}

// TradingConfig holds the symbols and position setup.
type TradingConfig struct {
	Symbols    []string `json:"symbols"`
	Leverage   int      `json:"leverage"`
	MarginType string   `json:"margin_type"` // CROSSED or ISOLATED
	// OrderNotional is the entry size in quote units; 0 derives it from
	// the starting balance via risk.risk_pct and leverage.
	OrderNotional float64 `json:"order_notional"`
	// TickIntervalSecs is the engine loop cadence.
	TickIntervalSecs int `json:"tick_interval_secs"`
	// CooldownMins blocks reentry on a symbol after a close.
	CooldownMins int `json:"cooldown_mins"`
}

// StrategyConfig holds the signal thresholds. All basis-point values are
// bps of price; max_spread is in price units.
type StrategyConfig struct {
	// K scales rolling volatility into the entry threshold.
	K float64 `json:"k"`
	// VolBars is the rolling variance window length in closed bars.
	VolBars int `json:"vol_bars"`
	// VolumeMult requires bar volume above this multiple of average.
	VolumeMult float64 `json:"volume_mult"`
	// VolumeBars is the average-volume window length.
	VolumeBars       int     `json:"volume_bars"`
	MaxSpread        float64 `json:"max_spread"`
	MaxFundingAbsBps float64 `json:"max_funding_abs_bps"`
	MaxQuoteAgeSecs  int     `json:"max_quote_age_secs"`
	MaxMarkAgeSecs   int     `json:"max_mark_age_secs"`
}

// ExitConfig holds the exit trigger distances in bps, except the trailing
// callback rate which is in percent.
type ExitConfig struct {
	TakeProfitBps         float64 `json:"take_profit_bps"`
	StopLossBps           float64 `json:"stop_loss_bps"`
	TrailingActivationBps float64 `json:"trailing_activation_bps"`
	BreakEvenBufferBps    float64 `json:"break_even_buffer_bps"`
	MinTPGapBps           float64 `json:"min_tp_gap_bps"`
	CallbackRate          float64 `json:"callback_rate"`
	TakerFeeBps           float64 `json:"taker_fee_bps"`
}

// RiskConfig holds the account-level gates.
type RiskConfig struct {
	MarginSafetyMultiple float64 `json:"margin_safety_multiple"`
	MaxDailyDrawdownPct  float64 `json:"max_daily_drawdown_pct"`
	RiskPct              float64 `json:"risk_pct"`
	// EntryHaltUTC and ForceExitUTC are "HH:MM" wall-clock times; empty
	// disables the gate.
	EntryHaltUTC string `json:"entry_halt_utc"`
	ForceExitUTC string `json:"force_exit_utc"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

type LoggingConfig struct {
	Level      string `json:"level"`  // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"` // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"`
}

// ServerConfig holds the status API settings.
type ServerConfig struct {
	Enabled        bool   `json:"enabled"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ProductionMode bool   `json:"production_mode"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds the secret backend settings. With Vault disabled the
// fallback keys from the environment are used directly.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`

	FallbackAPIKey    string `json:"-"`
	FallbackSecretKey string `json:"-"`
}

type RecorderConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir"`
}

// ConfigError is a fatal configuration problem.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// Load reads config.json if present, then applies environment overrides
// and defaults, then validates.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.ExchangeConfig.BaseURL)
	cfg.ExchangeConfig.StreamURL = getEnvOrDefault("EXCHANGE_STREAM_URL", cfg.ExchangeConfig.StreamURL)
	if v := os.Getenv("ENABLE_TRADING"); v != "" {
		cfg.ExchangeConfig.EnableTrading = v == "true"
	}

	if v := os.Getenv("TRADING_SYMBOLS"); v != "" {
		cfg.TradingConfig.Symbols = splitSymbols(v)
	}
	cfg.TradingConfig.Leverage = getEnvIntOrDefault("TRADING_LEVERAGE", cfg.TradingConfig.Leverage)
	cfg.TradingConfig.MarginType = getEnvOrDefault("TRADING_MARGIN_TYPE", cfg.TradingConfig.MarginType)
	cfg.TradingConfig.OrderNotional = getEnvFloatOrDefault("TRADING_ORDER_NOTIONAL", cfg.TradingConfig.OrderNotional)

	cfg.RiskConfig.EntryHaltUTC = getEnvOrDefault("RISK_ENTRY_HALT_UTC", cfg.RiskConfig.EntryHaltUTC)
	cfg.RiskConfig.ForceExitUTC = getEnvOrDefault("RISK_FORCE_EXIT_UTC", cfg.RiskConfig.ForceExitUTC)

	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", "false") == "true" || cfg.NotificationConfig.Enabled
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	if v := os.Getenv("TELEGRAM_ENABLED"); v != "" {
		cfg.NotificationConfig.Telegram.Enabled = v == "true"
	}
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)
	if v := os.Getenv("DISCORD_ENABLED"); v != "" {
		cfg.NotificationConfig.Discord.Enabled = v == "true"
	}

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.LoggingConfig.JSONFormat = v == "true"
	}

	if v := os.Getenv("API_ENABLED"); v != "" {
		cfg.ServerConfig.Enabled = v == "true"
	}
	cfg.ServerConfig.Host = getEnvOrDefault("API_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("API_PORT", cfg.ServerConfig.Port)

	if v := os.Getenv("DB_ENABLED"); v != "" {
		cfg.DatabaseConfig.Enabled = v == "true"
	}
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)

	if v := os.Getenv("VAULT_ENABLED"); v != "" {
		cfg.VaultConfig.Enabled = v == "true"
	}
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.FallbackAPIKey = os.Getenv("EXCHANGE_API_KEY")
	cfg.VaultConfig.FallbackSecretKey = os.Getenv("EXCHANGE_SECRET_KEY")

	if v := os.Getenv("RECORDER_ENABLED"); v != "" {
		cfg.RecorderConfig.Enabled = v == "true"
	}
	cfg.RecorderConfig.Dir = getEnvOrDefault("RECORDER_DIR", cfg.RecorderConfig.Dir)
}

func applyDefaults(cfg *Config) {
	if cfg.ExchangeConfig.BaseURL == "" {
		cfg.ExchangeConfig.BaseURL = "https://fapi.asterdex.com"
	}
	if cfg.ExchangeConfig.StreamURL == "" {
		cfg.ExchangeConfig.StreamURL = "wss://fstream.asterdex.com"
	}

	if len(cfg.TradingConfig.Symbols) == 0 {
		cfg.TradingConfig.Symbols = []string{"BTCUSDT"}
	}
	if cfg.TradingConfig.Leverage == 0 {
		cfg.TradingConfig.Leverage = 25
	}
	if cfg.TradingConfig.MarginType == "" {
		cfg.TradingConfig.MarginType = "ISOLATED"
	}
	if cfg.TradingConfig.TickIntervalSecs == 0 {
		cfg.TradingConfig.TickIntervalSecs = 5
	}
	if cfg.TradingConfig.CooldownMins == 0 {
		cfg.TradingConfig.CooldownMins = 10
	}

	s := &cfg.StrategyConfig
	if s.K == 0 {
		s.K = 1.3
	}
	if s.VolBars == 0 {
		s.VolBars = 30
	}
	if s.VolumeMult == 0 {
		s.VolumeMult = 1.3
	}
	if s.VolumeBars == 0 {
		s.VolumeBars = 30
	}
	if s.MaxSpread == 0 {
		s.MaxSpread = 0.2
	}
	if s.MaxFundingAbsBps == 0 {
		s.MaxFundingAbsBps = 1.5
	}
	if s.MaxQuoteAgeSecs == 0 {
		s.MaxQuoteAgeSecs = 10
	}
	if s.MaxMarkAgeSecs == 0 {
		s.MaxMarkAgeSecs = 15
	}

	e := &cfg.ExitConfig
	if e.TakeProfitBps == 0 {
		e.TakeProfitBps = 20
	}
	if e.StopLossBps == 0 {
		e.StopLossBps = 12
	}
	if e.TrailingActivationBps == 0 {
		e.TrailingActivationBps = 8
	}
	if e.BreakEvenBufferBps == 0 {
		e.BreakEvenBufferBps = 0.5
	}
	if e.MinTPGapBps == 0 {
		e.MinTPGapBps = 4
	}
	if e.CallbackRate == 0 {
		e.CallbackRate = 6
	}
	if e.TakerFeeBps == 0 {
		e.TakerFeeBps = 4
	}

	r := &cfg.RiskConfig
	if r.MarginSafetyMultiple == 0 {
		r.MarginSafetyMultiple = 1.2
	}
	if r.MaxDailyDrawdownPct == 0 {
		r.MaxDailyDrawdownPct = 5
	}
	if r.RiskPct == 0 {
		r.RiskPct = 1.0
	}
	if r.EntryHaltUTC == "" {
		r.EntryHaltUTC = "23:00"
	}
	if r.ForceExitUTC == "" {
		r.ForceExitUTC = "23:50"
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "INFO"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
		cfg.LoggingConfig.JSONFormat = true
	}

	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}

	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 5
	}

	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "trading/exchange"
	}

	if cfg.RecorderConfig.Dir == "" {
		cfg.RecorderConfig.Dir = "journal"
	}
}

// Validate rejects configurations the engine cannot trade safely with.
func (c *Config) Validate() error {
	if len(c.TradingConfig.Symbols) == 0 {
		return &ConfigError{Field: "trading.symbols", Msg: "at least one symbol required"}
	}
	if c.TradingConfig.Leverage < 1 || c.TradingConfig.Leverage > 125 {
		return &ConfigError{Field: "trading.leverage", Msg: "must be between 1 and 125"}
	}
	if mt := c.TradingConfig.MarginType; mt != "CROSSED" && mt != "ISOLATED" {
		return &ConfigError{Field: "trading.margin_type", Msg: "must be CROSSED or ISOLATED"}
	}
	if c.StrategyConfig.K <= 0 {
		return &ConfigError{Field: "strategy.k", Msg: "must be positive"}
	}
	if c.StrategyConfig.VolBars < 2 {
		return &ConfigError{Field: "strategy.vol_bars", Msg: "must be at least 2"}
	}
	if c.StrategyConfig.VolumeBars < 1 {
		return &ConfigError{Field: "strategy.volume_bars", Msg: "must be at least 1"}
	}
	if c.ExitConfig.StopLossBps <= 0 {
		return &ConfigError{Field: "exits.stop_loss_bps", Msg: "must be positive"}
	}
	if c.ExitConfig.CallbackRate < 0.1 || c.ExitConfig.CallbackRate > 10 {
		return &ConfigError{Field: "exits.callback_rate", Msg: "must be between 0.1 and 10 percent"}
	}
	if c.RiskConfig.MarginSafetyMultiple < 1 {
		return &ConfigError{Field: "risk.margin_safety_multiple", Msg: "must be at least 1"}
	}
	if _, err := ParseUTCMinute(c.RiskConfig.EntryHaltUTC); err != nil {
		return &ConfigError{Field: "risk.entry_halt_utc", Msg: err.Error()}
	}
	if _, err := ParseUTCMinute(c.RiskConfig.ForceExitUTC); err != nil {
		return &ConfigError{Field: "risk.force_exit_utc", Msg: err.Error()}
	}
	if c.TradingConfig.OrderNotional == 0 && c.RiskConfig.RiskPct <= 0 {
		return &ConfigError{Field: "risk.risk_pct", Msg: "must be positive when order_notional is unset"}
	}
	return nil
}

// ParseUTCMinute converts "HH:MM" to a minute-of-day. Empty or "off"
// disables the gate and returns -1.
func ParseUTCMinute(s string) (int, error) {
	if s == "" || s == "off" {
		return -1, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	return h*60 + m, nil
}

// TickInterval returns the engine loop cadence.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TradingConfig.TickIntervalSecs) * time.Second
}

// Cooldown returns the post-close reentry block.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.TradingConfig.CooldownMins) * time.Minute
}

func splitSymbols(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloatOrDefault(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
