package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/saveenergy/quicperf/pkg/types"
)

const (
	DefaultALPN = "perf"
	DefaultPort = 4433

	// MaxReceiveChunk is the ceiling on a single read from the peer.
	MaxReceiveChunk = 0xFFFFFF
)

type Config struct {
	Host    string
	Port    int
	Backend string

	ALPN       string
	ServerName string
	// CAFile is a PEM bundle trusted in place of the system roots, for perf
	// servers with self-signed certificates.
	CAFile string
	// InsecureSkipVerify accepts any server certificate. Test endpoints only.
	InsecureSkipVerify bool

	SampleInterval   time.Duration
	ReceiveChunkSize int
	StopGrace        time.Duration
	ConnectTimeout   time.Duration
	MaxIdleTimeout   time.Duration
	KeepAlivePeriod  time.Duration
	EnableDatagrams  bool

	EngineBindAddress string

	// HTTPAddress serves the control API, websocket and /metrics. Empty
	// disables them.
	HTTPAddress string
	// AllowedOrigins lists browser origins accepted by the HTTP observers.
	// Empty means same-origin only. "*" and "*.example.com" are honoured.
	AllowedOrigins []string

	ServerListenAddress string
	TLSCertFile         string
	TLSKeyFile          string
	TLSAutoGen          bool
	CertDir             string
	// PprofAddress enables net/http/pprof on the perf server. Empty disables.
	PprofAddress  string
	StatsInterval time.Duration

	LogLevel string
	LogFile  string
}

func DefaultConfig() *Config {
	return &Config{
		Host:                "localhost",
		Port:                DefaultPort,
		Backend:             string(types.KindStream),
		ALPN:                DefaultALPN,
		ServerName:          "",
		InsecureSkipVerify:  false,
		SampleInterval:      100 * time.Millisecond,
		ReceiveChunkSize:    64 * 1024,
		StopGrace:           2 * time.Second,
		ConnectTimeout:      0, // none; Stop is the only way out of a hung connect
		MaxIdleTimeout:      30 * time.Second,
		KeepAlivePeriod:     10 * time.Second,
		EnableDatagrams:     true,
		EngineBindAddress:   "0.0.0.0:0",
		HTTPAddress:         "", // observers off unless asked for
		ServerListenAddress: "0.0.0.0:4433",
		TLSCertFile:         "",
		TLSKeyFile:          "",
		TLSAutoGen:          true,
		CertDir:             "",
		PprofAddress:        "",
		StatsInterval:       0,
		LogLevel:            "info",
		LogFile:             "",
	}
}

// FileConfig is the on-disk yaml form. Zero values leave defaults untouched.
type FileConfig struct {
	Host               string   `yaml:"host,omitempty"`
	Port               int      `yaml:"port,omitempty"`
	Backend            string   `yaml:"backend,omitempty"`
	ALPN               string   `yaml:"alpn,omitempty"`
	ServerName         string   `yaml:"server_name,omitempty"`
	CAFile             string   `yaml:"ca_file,omitempty"`
	InsecureSkipVerify *bool    `yaml:"insecure_skip_verify,omitempty"`
	SampleInterval     string   `yaml:"sample_interval,omitempty"`
	ReceiveChunkSize   int      `yaml:"receive_chunk_size,omitempty"`
	StopGrace          string   `yaml:"stop_grace,omitempty"`
	ConnectTimeout     string   `yaml:"connect_timeout,omitempty"`
	EnableDatagrams    *bool    `yaml:"enable_datagrams,omitempty"`
	EngineBindAddress  string   `yaml:"engine_bind_address,omitempty"`
	HTTPAddress        string   `yaml:"http_address,omitempty"`
	AllowedOrigins     []string `yaml:"allowed_origins,omitempty"`
	ServerListen       string   `yaml:"server_listen,omitempty"`
	TLSCertFile        string   `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile         string   `yaml:"tls_key_file,omitempty"`
	LogLevel           string   `yaml:"log_level,omitempty"`
	LogFile            string   `yaml:"log_file,omitempty"`
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/quicperf/config.yaml, or "" if
// no home directory can be found.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "quicperf", "config.yaml")
}

// LoadFile merges a yaml file into c. A missing file is not an error.
func (c *Config) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return c.applyFile(&fc)
}

func (c *Config) applyFile(fc *FileConfig) error {
	if fc.Host != "" {
		c.Host = fc.Host
	}
	if fc.Port != 0 {
		c.Port = fc.Port
	}
	if fc.Backend != "" {
		c.Backend = fc.Backend
	}
	if fc.ALPN != "" {
		c.ALPN = fc.ALPN
	}
	if fc.ServerName != "" {
		c.ServerName = fc.ServerName
	}
	if fc.CAFile != "" {
		c.CAFile = fc.CAFile
	}
	if fc.InsecureSkipVerify != nil {
		c.InsecureSkipVerify = *fc.InsecureSkipVerify
	}
	if fc.SampleInterval != "" {
		d, err := time.ParseDuration(fc.SampleInterval)
		if err != nil {
			return fmt.Errorf("invalid sample_interval %q: %w", fc.SampleInterval, err)
		}
		c.SampleInterval = d
	}
	if fc.ReceiveChunkSize != 0 {
		c.ReceiveChunkSize = fc.ReceiveChunkSize
	}
	if fc.StopGrace != "" {
		d, err := time.ParseDuration(fc.StopGrace)
		if err != nil {
			return fmt.Errorf("invalid stop_grace %q: %w", fc.StopGrace, err)
		}
		c.StopGrace = d
	}
	if fc.ConnectTimeout != "" {
		d, err := time.ParseDuration(fc.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("invalid connect_timeout %q: %w", fc.ConnectTimeout, err)
		}
		c.ConnectTimeout = d
	}
	if fc.EnableDatagrams != nil {
		c.EnableDatagrams = *fc.EnableDatagrams
	}
	if fc.EngineBindAddress != "" {
		c.EngineBindAddress = fc.EngineBindAddress
	}
	if fc.HTTPAddress != "" {
		c.HTTPAddress = fc.HTTPAddress
	}
	if len(fc.AllowedOrigins) > 0 {
		c.AllowedOrigins = append([]string(nil), fc.AllowedOrigins...)
	}
	if fc.ServerListen != "" {
		c.ServerListenAddress = fc.ServerListen
	}
	if fc.TLSCertFile != "" {
		c.TLSCertFile = fc.TLSCertFile
	}
	if fc.TLSKeyFile != "" {
		c.TLSKeyFile = fc.TLSKeyFile
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.LogFile != "" {
		c.LogFile = fc.LogFile
	}
	return nil
}

func (c *Config) LoadFromEnv() error {
	if host := os.Getenv("QUICPERF_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv("QUICPERF_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid QUICPERF_PORT %q: must be a number", port)
		}
		c.Port = p
	}
	if backend := os.Getenv("QUICPERF_BACKEND"); backend != "" {
		c.Backend = backend
	}
	if alpn := os.Getenv("QUICPERF_ALPN"); alpn != "" {
		c.ALPN = alpn
	}
	if sni := os.Getenv("QUICPERF_SERVER_NAME"); sni != "" {
		c.ServerName = sni
	}
	if ca := os.Getenv("QUICPERF_CA_FILE"); ca != "" {
		c.CAFile = ca
	}
	if insecure := os.Getenv("QUICPERF_INSECURE"); insecure == "true" || insecure == "1" {
		c.InsecureSkipVerify = true
	}
	if interval := os.Getenv("QUICPERF_SAMPLE_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid QUICPERF_SAMPLE_INTERVAL %q: must be a positive duration (e.g. 100ms)", interval)
		}
		c.SampleInterval = d
	}
	if size := os.Getenv("QUICPERF_RECEIVE_CHUNK"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil || s <= 0 {
			return fmt.Errorf("invalid QUICPERF_RECEIVE_CHUNK %q: must be a positive integer", size)
		}
		c.ReceiveChunkSize = s
	}
	if grace := os.Getenv("QUICPERF_STOP_GRACE"); grace != "" {
		d, err := time.ParseDuration(grace)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid QUICPERF_STOP_GRACE %q: must be a duration (e.g. 2s)", grace)
		}
		c.StopGrace = d
	}
	if timeout := os.Getenv("QUICPERF_CONNECT_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid QUICPERF_CONNECT_TIMEOUT %q: must be a duration (e.g. 5s)", timeout)
		}
		c.ConnectTimeout = d
	}
	if dg := os.Getenv("QUICPERF_DATAGRAMS"); dg == "false" || dg == "0" {
		c.EnableDatagrams = false
	}
	if bind := os.Getenv("QUICPERF_ENGINE_BIND"); bind != "" {
		c.EngineBindAddress = bind
	}
	if addr := os.Getenv("QUICPERF_HTTP_ADDR"); addr != "" {
		c.HTTPAddress = addr
	}
	if origins := os.Getenv("QUICPERF_ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, o)
			}
		}
	}
	if addr := os.Getenv("QUICPERF_SERVER_LISTEN"); addr != "" {
		c.ServerListenAddress = addr
	}
	if cert := os.Getenv("TLS_CERT_FILE"); cert != "" {
		c.TLSCertFile = cert
	}
	if key := os.Getenv("TLS_KEY_FILE"); key != "" {
		c.TLSKeyFile = key
	}
	if autoGen := os.Getenv("TLS_AUTO_GEN"); autoGen == "false" || autoGen == "0" {
		c.TLSAutoGen = false
	}
	if addr := os.Getenv("QUICPERF_PPROF_ADDR"); addr != "" {
		c.PprofAddress = addr
	}
	if interval := os.Getenv("QUICPERF_STATS_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid QUICPERF_STATS_INTERVAL %q: must be a duration (e.g. 30s)", interval)
		}
		c.StatsInterval = d
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if file := os.Getenv("QUICPERF_LOG_FILE"); file != "" {
		c.LogFile = file
	}
	return nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 1-65535", c.Port)
	}
	if _, err := types.ParseKind(c.Backend); err != nil {
		return err
	}
	if c.ALPN == "" {
		return fmt.Errorf("alpn cannot be empty")
	}
	if c.SampleInterval < time.Millisecond {
		return fmt.Errorf("sample interval must be >= 1ms")
	}
	if c.ReceiveChunkSize < 1 || c.ReceiveChunkSize > MaxReceiveChunk {
		return fmt.Errorf("receive chunk size must be 1-%d bytes", MaxReceiveChunk)
	}
	if c.StopGrace < 0 {
		return fmt.Errorf("stop grace cannot be negative")
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect timeout cannot be negative")
	}
	if c.EngineBindAddress != "" {
		if _, _, err := net.SplitHostPort(c.EngineBindAddress); err != nil {
			return fmt.Errorf("invalid engine bind address %q: %w", c.EngineBindAddress, err)
		}
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls cert and key must be set together")
	}
	if c.CAFile != "" {
		if _, err := os.Stat(c.CAFile); err != nil {
			return fmt.Errorf("ca file: %w", err)
		}
	}
	return nil
}

func (c *Config) Endpoint() types.Endpoint {
	return types.NewEndpoint(c.Host, uint16(c.Port))
}

func (c *Config) Kind() types.Kind {
	k, err := types.ParseKind(c.Backend)
	if err != nil {
		return types.KindStream
	}
	return k
}
