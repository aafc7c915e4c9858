// Package config loads and validates the servn server configuration.
//
// Values come from, in order of precedence: command-line flags, environment
// variables (optionally loaded from a .env file), and the defaults table.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the server configuration. It is immutable after Validate.
type Config struct {
	Root        string   `mapstructure:"root"`
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	Protocol    string   `mapstructure:"protocol"`
	TLS         bool     `mapstructure:"tls"`
	CertDir     string   `mapstructure:"dir"`
	Cert        string   `mapstructure:"cert"`
	Key         string   `mapstructure:"key"`
	File        string   `mapstructure:"file"`
	Entry       string   `mapstructure:"entry"`
	Index       string   `mapstructure:"index"`
	Watch       []string `mapstructure:"watch"`
	Placeholder bool     `mapstructure:"placeholder"`
	Inject      bool     `mapstructure:"inject"`
	Metrics     bool     `mapstructure:"metrics"`
	LogLevel    string   `mapstructure:"log-level"`

	tlsConfig *tls.Config
}

// ConfigError is a fatal startup error caused by an invalid setting.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// defaults is the table every setting falls back to.
var defaults = []struct {
	Key   string
	Env   string
	Value any
	Usage string
	Short string
}{
	{"root", "DOCROOT", ".", "document root", "r"},
	{"host", "HOST", "localhost", "define the host", ""},
	{"port", "PORT", 8080, "define the port", "p"},
	{"protocol", "PROTOCOL", "http", "http or https", ""},
	{"tls", "TLS", false, "shorthand for --protocol=https", "s"},
	{"dir", "DIR", "certs", "define the TLS cert directory", "d"},
	{"cert", "CERT", "localhost.pem", "define the TLS cert", "c"},
	{"key", "KEY", "localhost-key.pem", "define the TLS key", "k"},
	{"file", "FILE", "main.js", "define the entry file", "f"},
	{"entry", "ENTRY", "", "define the entry path (defaults to <root>/<file>)", "e"},
	{"index", "INDEX", "index.html", "html index file", "i"},
	{"watch", "WATCHERS", []string{}, "extra paths to watch", "w"},
	{"placeholder", "PLACEHOLDER", true, "serve a placeholder page when the root has no index", ""},
	{"inject", "INJECT", false, "inject the reload script into html pages", ""},
	{"metrics", "METRICS", false, "expose prometheus metrics", ""},
	{"log-level", "LOG_LEVEL", "info", "log level (debug, info, warn, error)", ""},
}

// Flags registers a flag for every setting on fs.
func Flags(fs *pflag.FlagSet) {
	for _, d := range defaults {
		switch v := d.Value.(type) {
		case string:
			fs.StringP(d.Key, d.Short, v, d.Usage)
		case int:
			fs.IntP(d.Key, d.Short, v, d.Usage)
		case bool:
			fs.BoolP(d.Key, d.Short, v, d.Usage)
		case []string:
			fs.StringSliceP(d.Key, d.Short, v, d.Usage)
		}
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	for _, d := range defaults {
		v.SetDefault(d.Key, d.Value)
	}
	return v
}

// Default returns the configuration built from the defaults table alone.
func Default() *Config {
	c, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("config: decoding defaults: %v", err))
	}
	return c
}

// Load reads the configuration from .env, the environment and fs. fs may be
// nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	// A missing .env is not an error
	_ = godotenv.Load()
	v := newViper()
	for _, d := range defaults {
		if err := v.BindEnv(d.Key, d.Env); err != nil {
			return nil, fmt.Errorf("config: binding %s: %w", d.Env, err)
		}
	}
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("config: binding flags: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	c := new(Config)
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	// WATCHERS is space separated
	c.Watch = v.GetStringSlice("watch")
	return c, nil
}

// Validate resolves every path to absolute form and checks the settings that
// would otherwise fail later. Errors are *ConfigError.
func (c *Config) Validate() error {
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return &ConfigError{"root", err}
	}
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &ConfigError{"root", fmt.Errorf("%q does not exist", root)}
		}
		return &ConfigError{"root", err}
	}
	if !info.IsDir() {
		return &ConfigError{"root", fmt.Errorf("%q is not a directory", root)}
	}
	c.Root = root

	if c.TLS {
		c.Protocol = "https"
	}
	switch c.Protocol {
	case "http", "https":
	default:
		return &ConfigError{"protocol", fmt.Errorf("%q is not http or https", c.Protocol)}
	}
	if c.Port < 0 || c.Port > 65535 {
		return &ConfigError{"port", fmt.Errorf("%d is out of range", c.Port)}
	}
	if c.Host == "" {
		return &ConfigError{"host", errors.New("host is empty")}
	}

	if c.Entry == "" {
		c.Entry = c.File
	}
	c.Entry = resolve(root, c.Entry)
	c.Index = resolve(root, c.Index)

	watch := make([]string, 0, len(c.Watch))
	for _, w := range c.Watch {
		if w == "" {
			continue
		}
		abs, err := filepath.Abs(w)
		if err != nil {
			return &ConfigError{"watch", err}
		}
		// A file may appear later, but its directory must exist to be watched
		if _, err := os.Stat(abs); err != nil {
			if _, err := os.Stat(filepath.Dir(abs)); err != nil {
				return &ConfigError{"watch", fmt.Errorf("%q can't be watched: %w", abs, err)}
			}
		}
		watch = append(watch, abs)
	}
	c.Watch = watch

	if c.Protocol == "https" {
		dir, err := filepath.Abs(c.CertDir)
		if err != nil {
			return &ConfigError{"dir", err}
		}
		c.CertDir = dir
		c.Cert = resolve(dir, c.Cert)
		c.Key = resolve(dir, c.Key)
		cert, err := tls.LoadX509KeyPair(c.Cert, c.Key)
		if err != nil {
			return &ConfigError{"cert", err}
		}
		c.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	return nil
}

// TLSConfig returns the loaded certificate configuration, or nil when the
// protocol is http.
func (c *Config) TLSConfig() *tls.Config {
	return c.tlsConfig
}

// Addr is the host:port the server listens on.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL is the address browsers use to reach the server.
func (c *Config) URL() string {
	return c.Protocol + "://" + c.Addr()
}

// SocketURL is the websocket address for path on this server.
func (c *Config) SocketURL(path string) string {
	scheme := "ws"
	if c.Protocol == "https" {
		scheme = "wss"
	}
	return scheme + "://" + c.Addr() + path
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(dir, path)
}
