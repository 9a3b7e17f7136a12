package common

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/flashbots/techmap/protocol"
	"github.com/flashbots/techmap/services"
	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration shared by the techmap commands. Each
// command reads the sections it needs.
//
//	http_addr: ":8080"
//	metrics_addr: ":9090"
//	log_level: info
//	admin_token: "admin:secret"
//	keys:
//	  signing_key: ""                 # hex Ed25519, generated if empty
//	  paillier_key_file: keys.json    # key server only
//	  paillier_bits: 2048
//	attestation:
//	  use_tdx: false
//	  tdx_remote_url: ""
//	  measurements_url: ""
//	key_server:
//	  url: http://localhost:8081
//	  allowed_map_servers: ["<hex ed25519 public key>"]
//	  insecure_allow_any_map_server: false
//	map_server:
//	  key_server_timeout: 5s
//	  cas_retries: 8
//	postgres:
//	  host: localhost
//	  port: 5432
//	techmap:
//	  inputs: [{name: ap, origin: 0, width: 0.04, buckets: 250}]
//	  outputs: [{name: fz, min: 0, max: 3}]
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	EnablePprof bool   `yaml:"enable_pprof"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`

	// AdminToken protects /admin routes as "user:pass" basic auth.
	AdminToken string `yaml:"admin_token"`

	// CORSOrigins enables CORS on the producer-facing routes.
	CORSOrigins []string `yaml:"cors_origins"`

	Keys        KeysConfig        `yaml:"keys"`
	Attestation AttestationConfig `yaml:"attestation"`
	KeyServer   KeyServerConfig   `yaml:"key_server"`

	MapServer *protocol.MapServerConfig `yaml:"map_server"`
	TechMap   *protocol.TechMapConfig   `yaml:"techmap"`

	// Postgres selects persistent storage. Without it the map server keeps
	// everything in memory.
	Postgres    *services.PostgresConfig `yaml:"postgres"`
	DatabaseURL string                   `yaml:"database_url"`
}

// DatabaseDSN returns the configured connection string, or "" for in-memory
// storage. DatabaseURL wins over the postgres section.
func (c *Config) DatabaseDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	if c.Postgres != nil {
		return c.Postgres.ConnectionString()
	}
	return ""
}

type KeysConfig struct {
	SigningKey      string `yaml:"signing_key"`
	PaillierKeyFile string `yaml:"paillier_key_file"`
	PaillierBits    int    `yaml:"paillier_bits"`
	Shares          uint8  `yaml:"shares"`
	Threshold       uint8  `yaml:"threshold"`
}

type AttestationConfig struct {
	UseTDX          bool   `yaml:"use_tdx"`
	TDXRemoteURL    string `yaml:"tdx_remote_url"`
	MeasurementsURL string `yaml:"measurements_url"`
}

type KeyServerConfig struct {
	URL               string        `yaml:"url"`
	AllowedMapServers []string      `yaml:"allowed_map_servers"`
	TokenTTL          time.Duration `yaml:"token_ttl"`
	MaxBatch          int           `yaml:"max_batch"`

	// InsecureAllowAnyMapServer serves decryption requests from any signer.
	InsecureAllowAnyMapServer bool `yaml:"insecure_allow_any_map_server"`
}

// ErrNoAllowedMapServers is returned for a key server configuration without
// an allow-list.
var ErrNoAllowedMapServers = errors.New("no allowed map servers configured")

// DefaultConfig returns a configuration that runs locally without TEE
// hardware or a database.
func DefaultConfig() *Config {
	ks := protocol.DefaultKeyServerConfig()
	return &Config{
		HTTPAddr: ":8080",
		LogLevel: "info",
		Keys: KeysConfig{
			PaillierKeyFile: "techmap-paillier.json",
			PaillierBits:    2048,
			Shares:          3,
			Threshold:       2,
		},
		KeyServer: KeyServerConfig{
			URL:      "http://localhost:8081",
			TokenTTL: ks.TokenTTL,
			MaxBatch: ks.MaxBatch,
		},
		MapServer: protocol.DefaultMapServerConfig(),
		TechMap:   protocol.DefaultTechMapConfig(),
	}
}

// LoadConfig reads a YAML file over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.TechMap.Validate(); err != nil {
		return nil, fmt.Errorf("techmap config: %w", err)
	}
	if err := cfg.MapServer.Validate(); err != nil {
		return nil, fmt.Errorf("map server config: %w", err)
	}
	return cfg, nil
}

// KeyServerProtocolConfig converts the key server section. It fails with
// ErrNoAllowedMapServers unless map servers are listed or any signer is
// explicitly allowed.
func (c *Config) KeyServerProtocolConfig() (*protocol.KeyServerConfig, error) {
	out := protocol.DefaultKeyServerConfig()
	if c.KeyServer.TokenTTL > 0 {
		out.TokenTTL = c.KeyServer.TokenTTL
	}
	if c.KeyServer.MaxBatch > 0 {
		out.MaxBatch = c.KeyServer.MaxBatch
	}
	allowed, err := ParsePublicKeys(c.KeyServer.AllowedMapServers)
	if err != nil {
		return nil, fmt.Errorf("allowed_map_servers: %w", err)
	}
	if len(allowed) == 0 && !c.KeyServer.InsecureAllowAnyMapServer {
		return nil, ErrNoAllowedMapServers
	}
	out.AllowedMapServers = allowed
	out.InsecureAllowAnyMapServer = c.KeyServer.InsecureAllowAnyMapServer
	return out, nil
}
