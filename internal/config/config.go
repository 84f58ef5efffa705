// Package config parses the CLI surface into a flat Config and a
// build Version descriptor. Configuration parsing itself is out of
// scope for the core state machine, but every real checkout of a
// service like this one ships a flag/config-file layer, so it lives
// here rather than in cmd/serialmux directly.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/GaryMatthews/serialmux/internal/logging"
	"github.com/GaryMatthews/serialmux/internal/protocol"
)

// Config holds every value the CLI surface accepts.
type Config struct {
	Port            string `json:"port"`
	Listen          string `json:"listen"`
	AcceptAnyHost   bool   `json:"accept_anyhost"`
	RTSDelayMs      int    `json:"rts_delay_ms"`
	CommandTimeout  int    `json:"picard_timeout_ms"`
	CommandRetries  int    `json:"picard_retries"`
	ReadTimeoutMs   int    `json:"read_timeout_ms"`
	FlowControl     bool   `json:"flow_control"`
	LogLevel        string `json:"log_level"`
	LogFile         string `json:"log_file"`
	LogNumBackups   int    `json:"log_num_backups"`
	LogMaxSizeMB    int    `json:"log_max_size_mb"`
	Daemon          bool   `json:"daemon"`
	ServiceName     string `json:"service_name"`
	Directory       string `json:"directory"`
	AuthToken       string `json:"auth_token"`

	// MetricsListen exposes the Prometheus collectors on an HTTP
	// endpoint. Empty disables it.
	MetricsListen string `json:"metrics_listen"`
}

// Defaults are the values used when neither a config file nor a flag
// sets them.
func Defaults() Config {
	return Config{
		Port:           "9901",
		Listen:         "9900",
		CommandTimeout: 3000,
		CommandRetries: 2,
		ReadTimeoutMs:  1000,
		LogLevel:       "info",
		ServiceName:    "serialmux",
		AuthToken:      "00000000",
	}
}

// ReadTimeout and CommandTimeoutDur convert the millisecond fields
// into time.Duration. CommandTimeoutDur feeds the client manager;
// ReadTimeout is not passed to any constructor, and the downstream
// reader always uses downstream.ReadTimeout.
func (c Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

func (c Config) CommandTimeoutDur() time.Duration {
	return time.Duration(c.CommandTimeout) * time.Millisecond
}

// ListenAddr combines --listen (a bare TCP port) with --accept-anyhost
// into the "host:port" string net.Listen expects: loopback-only unless
// --accept-anyhost was given.
func (c Config) ListenAddr() string {
	host := "127.0.0.1"
	if c.AcceptAnyHost {
		host = ""
	}
	return host + ":" + c.Listen
}

// Validate checks the fields the core actually depends on. CLI/daemon
// fields (--service-name, --directory) are accepted but unchecked here
// since the OS-service wrapper they feed stays out of scope.
func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("--port is required")
	}
	if c.Listen == "" {
		return fmt.Errorf("--listen is required")
	}
	if len(c.AuthToken) != 8 {
		return fmt.Errorf("auth token must be exactly 8 bytes, got %d", len(c.AuthToken))
	}
	if c.CommandRetries < 0 {
		return fmt.Errorf("--picard-retries must be >= 0")
	}
	return nil
}

// LoggingConfig projects the log-related fields into logging.Config.
func (c Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:      c.LogLevel,
		File:       c.LogFile,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogNumBackups,
	}
}

// Version is the mux's own build identity, set at link time in a real
// release build; hardcoded here since there is no build pipeline in
// this checkout to inject it.
var Version = protocol.Version{Major: 1, Minor: 1, Release: 2, BuildHi: 0, BuildLo: 1}

// Parse reads a JSON config file (if --config/-c is given) to seed
// defaults, then applies CLI flags over it — flags always win. args
// excludes the program name (os.Args[1:]).
func Parse(args []string) (Config, bool, error) {
	cfg := Defaults()

	fs := flag.NewFlagSet("serialmux", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a JSON config file")
	fs.StringVar(configPath, "c", "", "path to a JSON config file (shorthand)")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.BoolVar(showVersion, "v", false, "print version and exit (shorthand)")

	// A first pass just to discover --config/-c before flag defaults
	// are locked in, since the file is meant to seed the flag defaults
	// rather than override them. Scanned by hand instead of through a
	// second FlagSet so unrelated flags in args don't trip
	// "flag provided but not defined" noise on stderr.
	if v := scanForConfigPath(args); v != "" {
		*configPath = v
	}
	if *configPath != "" {
		if err := loadConfigFile(*configPath, &cfg); err != nil {
			return cfg, false, err
		}
	}

	port := fs.String("port", cfg.Port, "serial device path or numeric UDP port")
	fs.StringVar(port, "p", cfg.Port, "serial device path or numeric UDP port (shorthand)")
	listen := fs.String("listen", cfg.Listen, "TCP port to listen on for clients")
	fs.StringVar(listen, "l", cfg.Listen, "TCP port to listen on for clients (shorthand)")
	acceptAnyHost := fs.Bool("accept-anyhost", cfg.AcceptAnyHost, "bind the TCP listener to all interfaces")
	rtsDelay := fs.Int("rts-delay", cfg.RTSDelayMs, "RTS assertion delay in milliseconds")
	cmdTimeout := fs.Int("picard-timeout", cfg.CommandTimeout, "downstream command timeout in milliseconds")
	cmdRetries := fs.Int("picard-retries", cfg.CommandRetries, "downstream command retry attempts")
	readTimeout := fs.Int("read-timeout", cfg.ReadTimeoutMs, "downstream read timeout in milliseconds")
	flowControl := fs.Bool("flow-control", cfg.FlowControl, "enable serial hardware flow control")
	logLevel := fs.String("log-level", cfg.LogLevel, "debug, info, warn, or error")
	logFile := fs.String("log-file", cfg.LogFile, "log file path (empty: stdout)")
	logNumBackups := fs.Int("log-num-backups", cfg.LogNumBackups, "rotated log files to retain")
	logMaxSize := fs.Int("log-max-size", cfg.LogMaxSizeMB, "log rotation size in megabytes")
	daemon := fs.Bool("daemon", cfg.Daemon, "run as a background service (external wrapper)")
	serviceName := fs.String("service-name", cfg.ServiceName, "OS service name (external wrapper)")
	directory := fs.String("directory", cfg.Directory, "working directory to chdir into at startup")
	metricsListen := fs.String("metrics-listen", cfg.MetricsListen, "address to serve Prometheus metrics on (empty: disabled)")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return cfg, true, nil
		}
		return cfg, false, err
	}
	if *showVersion {
		fmt.Printf("serialmux v%d.%d.%d build %d\n", Version.Major, Version.Minor, Version.Release, uint16(Version.BuildHi)<<8|uint16(Version.BuildLo))
		return cfg, true, nil
	}

	cfg.Port = *port
	cfg.Listen = *listen
	cfg.AcceptAnyHost = *acceptAnyHost
	cfg.RTSDelayMs = *rtsDelay
	cfg.CommandTimeout = *cmdTimeout
	cfg.CommandRetries = *cmdRetries
	cfg.ReadTimeoutMs = *readTimeout
	cfg.FlowControl = *flowControl
	cfg.LogLevel = *logLevel
	cfg.LogFile = *logFile
	cfg.LogNumBackups = *logNumBackups
	cfg.LogMaxSizeMB = *logMaxSize
	cfg.Daemon = *daemon
	cfg.ServiceName = *serviceName
	cfg.Directory = *directory
	cfg.MetricsListen = *metricsListen

	return cfg, false, nil
}

// scanForConfigPath looks for --config/-c/-config in either
// "-flag value" or "-flag=value" form, stopping at the first match.
func scanForConfigPath(args []string) string {
	for i, arg := range args {
		for _, name := range []string{"--config=", "-config=", "--c=", "-c="} {
			if len(arg) > len(name) && arg[:len(name)] == name {
				return arg[len(name):]
			}
		}
		for _, name := range []string{"--config", "-config", "--c", "-c"} {
			if arg == name && i+1 < len(args) {
				return args[i+1]
			}
		}
	}
	return ""
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}
