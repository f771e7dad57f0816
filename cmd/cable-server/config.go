package main

import (
	"errors"
	"io"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Redis defines the redis-specific configuration options.
type Redis struct {
	Addr        string        `yaml:"addr"`
	Cluster     bool          `yaml:"cluster"`
	MaxActive   int           `yaml:"max_active"`
	MaxIdle     int           `yaml:"max_idle"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	Prefix      string        `yaml:"prefix"`
}

// Server defines the cable server configuration options.
type Server struct {
	// HTTP server configuration for the websocket handshake/upgrade
	Addr             string        `yaml:"addr"`
	CablePath        string        `yaml:"cable_path"`
	MaxHeaderBytes   int           `yaml:"max_header_bytes"`
	ReadBufferSize   int           `yaml:"read_buffer_size"`
	WriteBufferSize  int           `yaml:"write_buffer_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// origin checks
	AllowedOrigins        []string `yaml:"allowed_origins"`
	AllowedOriginPatterns []string `yaml:"allowed_origin_patterns"`
	AllowSameOrigin       bool     `yaml:"allow_same_origin"`
	DisableOriginCheck    bool     `yaml:"disable_origin_check"`

	// websocket/cable configuration
	ReadLimit               int64         `yaml:"read_limit"`
	ReadTimeout             time.Duration `yaml:"read_timeout"`
	WriteLimit              int64         `yaml:"write_limit"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	AcquireWriteLockTimeout time.Duration `yaml:"acquire_write_lock_timeout"`
	PingInterval            time.Duration `yaml:"ping_interval"`
	SlowCommandThreshold    time.Duration `yaml:"slow_command_threshold"`
}

// Config defines the configuration options of the server. Broker is
// either "redis" or "memory".
type Config struct {
	Broker string  `yaml:"broker"`
	Redis  *Redis  `yaml:"redis"`
	Server *Server `yaml:"server"`
}

func getDefaultConfig() *Config {
	broker := "redis"
	if *memoryFlag {
		broker = "memory"
	}
	return &Config{
		Broker: broker,
		Redis: &Redis{
			Addr:    *redisAddrFlag,
			Cluster: *redisClusterFlag,
			MaxIdle: *redisMaxIdleFlag,
			Prefix:  "cable:",
		},
		Server: &Server{
			Addr:                 ":" + strconv.Itoa(*portFlag),
			CablePath:            "/cable",
			SlowCommandThreshold: 100 * time.Millisecond,
		},
	}
}

func getConfigFromReader(r io.Reader) (*Config, error) {
	conf := getDefaultConfig()

	// set default values
	if r != nil {
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, conf); err != nil {
			return nil, err
		}
	}
	return conf, nil
}

func getConfigFromFile(file string) (*Config, error) {
	var r io.Reader
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		r = f
	}
	return getConfigFromReader(r)
}

// checkConfig validates the configuration and compiles the origin
// patterns.
func checkConfig(conf *Config) ([]*regexp.Regexp, error) {
	switch conf.Broker {
	case "memory":
	case "redis":
		if conf.Redis == nil || conf.Redis.Addr == "" {
			return nil, errors.New("redis.addr must be configured to use the redis broker")
		}
	default:
		return nil, errors.New("broker must be one of redis or memory")
	}

	if conf.Server == nil || conf.Server.CablePath == "" {
		return nil, errors.New("server.cable_path must be configured")
	}

	res := make([]*regexp.Regexp, 0, len(conf.Server.AllowedOriginPatterns))
	for _, p := range conf.Server.AllowedOriginPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		res = append(res, re)
	}
	return res, nil
}
