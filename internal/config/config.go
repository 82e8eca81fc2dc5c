// File: internal/config/config.go
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Bridge() BridgeConfig
	Engine() EngineConfig
	Browser() BrowserConfig
	Metrics() MetricsConfig
	Validate() error

	// Engine Setters
	SetEngineBackend(string)
	SetEngineHeadless(bool)

	// Browser Setters
	SetBrowserJavascript(bool)
	SetBrowserSize(width, height int)

	// Metrics Setters
	SetMetricsEnabled(bool)
	SetMetricsListen(string)
}

// Engine backends.
const (
	BackendSim = "sim"
	BackendCDP = "cdp"
)

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	BridgeCfg  BridgeConfig  `mapstructure:"bridge" yaml:"bridge"`
	EngineCfg  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	BrowserCfg BrowserConfig `mapstructure:"browser" yaml:"browser"`
	MetricsCfg MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Bridge() BridgeConfig   { return c.BridgeCfg }
func (c *Config) Engine() EngineConfig   { return c.EngineCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Metrics() MetricsConfig { return c.MetricsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetEngineBackend(b string) { c.EngineCfg.Backend = b }
func (c *Config) SetEngineHeadless(b bool)  { c.EngineCfg.Headless = b }

func (c *Config) SetBrowserJavascript(b bool) { c.BrowserCfg.Javascript = b }
func (c *Config) SetBrowserSize(width, height int) {
	c.BrowserCfg.Width, c.BrowserCfg.Height = width, height
}

func (c *Config) SetMetricsEnabled(b bool)  { c.MetricsCfg.Enabled = b }
func (c *Config) SetMetricsListen(a string) { c.MetricsCfg.Listen = a }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BridgeConfig tunes the host side of the bridge: the message pump and the
// waits performed on the host loop.
type BridgeConfig struct {
	CloseTimeout time.Duration `mapstructure:"close_timeout" yaml:"close_timeout"`
	LoopInterval time.Duration `mapstructure:"loop_interval" yaml:"loop_interval"`
	// UnloadExtension is added to the close deadline on every wait tick
	// while an unload prompt is showing.
	UnloadExtension time.Duration `mapstructure:"unload_extension" yaml:"unload_extension"`
	EvaluateTimeout time.Duration `mapstructure:"evaluate_timeout" yaml:"evaluate_timeout"`
	CookieTimeout   time.Duration `mapstructure:"cookie_timeout" yaml:"cookie_timeout"`
}

// EngineConfig selects and configures the browser engine.
type EngineConfig struct {
	Backend          string        `mapstructure:"backend" yaml:"backend"`
	ExecPath         string        `mapstructure:"exec_path" yaml:"exec_path"`
	Headless         bool          `mapstructure:"headless" yaml:"headless"`
	DebugPort        int           `mapstructure:"debug_port" yaml:"debug_port"`
	Args             []string      `mapstructure:"args" yaml:"args"`
	Locale           string        `mapstructure:"locale" yaml:"locale"`
	LogPath          string        `mapstructure:"log_path" yaml:"log_path"`
	LogSeverity      string        `mapstructure:"log_severity" yaml:"log_severity"`
	UserAgentProduct string        `mapstructure:"user_agent_product" yaml:"user_agent_product"`
	DownloadDir      string        `mapstructure:"download_dir" yaml:"download_dir"`
	StartTimeout     time.Duration `mapstructure:"start_timeout" yaml:"start_timeout"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
}

// UserAgent is the full agent string the in-process engine sends.
func (e EngineConfig) UserAgent() string {
	if e.UserAgentProduct == "" {
		return "Mozilla/5.0 (compatible)"
	}
	return "Mozilla/5.0 (compatible) " + e.UserAgentProduct
}

// BrowserConfig holds the settings applied to new browser instances.
type BrowserConfig struct {
	Width      int    `mapstructure:"width" yaml:"width"`
	Height     int    `mapstructure:"height" yaml:"height"`
	Javascript bool   `mapstructure:"javascript" yaml:"javascript"`
	Background string `mapstructure:"background" yaml:"background"`
}

// BackgroundARGB parses Background, written as #AARRGGBB or #RRGGBB.
func (b BrowserConfig) BackgroundARGB() (uint32, error) {
	hex := strings.TrimPrefix(b.Background, "#")
	switch len(hex) {
	case 6:
		hex = "ff" + hex
	case 8:
	default:
		return 0, fmt.Errorf("background %q must be #AARRGGBB or #RRGGBB", b.Background)
	}
	argb, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("background %q is not a hex color: %w", b.Background, err)
	}
	return uint32(argb), nil
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "browserhost")
	v.SetDefault("logger.log_file", "browserhost.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Bridge --
	v.SetDefault("bridge.close_timeout", "10s")
	v.SetDefault("bridge.loop_interval", "75ms")
	v.SetDefault("bridge.unload_extension", "75ms")
	v.SetDefault("bridge.evaluate_timeout", "30s")
	v.SetDefault("bridge.cookie_timeout", "100ms")

	// -- Engine --
	v.SetDefault("engine.backend", BackendSim)
	v.SetDefault("engine.exec_path", "")
	v.SetDefault("engine.headless", true)
	v.SetDefault("engine.debug_port", 0)
	v.SetDefault("engine.args", []string{})
	v.SetDefault("engine.locale", "en-US")
	v.SetDefault("engine.log_path", "~/.browserhost/engine.log")
	v.SetDefault("engine.log_severity", "info")
	v.SetDefault("engine.user_agent_product", "BrowserHost")
	v.SetDefault("engine.download_dir", "~/Downloads")
	v.SetDefault("engine.start_timeout", "60s")
	v.SetDefault("engine.fetch_timeout", "30s")

	// -- Browser --
	v.SetDefault("browser.width", 1024)
	v.SetDefault("browser.height", 768)
	v.SetDefault("browser.javascript", true)
	v.SetDefault("browser.background", "#ffffffff")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9464")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.SetEnvPrefix("BROWSERHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, fmt.Errorf("expanding paths: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.LoggerCfg.LogFile,
		&c.EngineCfg.ExecPath,
		&c.EngineCfg.LogPath,
		&c.EngineCfg.DownloadDir,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

var logSeverities = map[string]bool{
	"default": true, "verbose": true, "info": true, "warning": true,
	"error": true, "fatal": true, "disable": true,
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.EngineCfg.Backend {
	case BackendSim, BackendCDP:
	default:
		return fmt.Errorf("engine.backend must be %q or %q, got %q", BackendSim, BackendCDP, c.EngineCfg.Backend)
	}
	if c.EngineCfg.DebugPort < 0 || c.EngineCfg.DebugPort > 65535 {
		return fmt.Errorf("engine.debug_port must be between 0 and 65535")
	}
	if sev := strings.ToLower(c.EngineCfg.LogSeverity); sev != "" && !logSeverities[sev] {
		return fmt.Errorf("engine.log_severity %q is not a known severity", c.EngineCfg.LogSeverity)
	}
	if c.BrowserCfg.Width <= 0 || c.BrowserCfg.Height <= 0 {
		return fmt.Errorf("browser.width and browser.height must be positive integers")
	}
	if _, err := c.BrowserCfg.BackgroundARGB(); err != nil {
		return fmt.Errorf("browser.%w", err)
	}
	if c.BridgeCfg.CloseTimeout <= 0 {
		return fmt.Errorf("bridge.close_timeout must be a positive duration")
	}
	if c.BridgeCfg.LoopInterval <= 0 {
		return fmt.Errorf("bridge.loop_interval must be a positive duration")
	}
	if c.BridgeCfg.UnloadExtension < 0 || c.BridgeCfg.EvaluateTimeout < 0 || c.BridgeCfg.CookieTimeout < 0 {
		return fmt.Errorf("bridge timeouts must not be negative")
	}
	if c.MetricsCfg.Enabled && c.MetricsCfg.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	return nil
}
