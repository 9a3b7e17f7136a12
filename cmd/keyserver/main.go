// Command keyserver runs the techmap key server.
//
// The key server holds the Paillier decryption key. It decrypts blinded
// ciphertexts for authorized map servers and seals the results to the
// requesting producer. It never sees an unblinded aggregate.
//
// # Configuration File
//
//	http_addr: ":8081"
//	metrics_addr: ":9091"
//	keys:
//	  signing_key: ""                        # hex, generated if empty
//	  paillier_key_file: techmap-paillier.json
//	  paillier_bits: 2048
//	attestation:
//	  use_tdx: true
//	key_server:
//	  allowed_map_servers: ["<map server signing key, hex>"]
//	  token_ttl: 2m
//	  max_batch: 8192
//
// # Endpoints
//
//   - GET  /public-key
//   - POST /blind-decrypt
//   - POST /sign-test
//
// # Usage
//
//	go run ./cmd/keyserver --config=keyserver.yaml
//	go run ./cmd/keyserver --addr=:8081 --key-file=keys.json --allow=<hex key>
//
// The key server refuses to start without allowed map servers unless
// --insecure-allow-any is given.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flashbots/techmap/api/httpserver"
	"github.com/flashbots/techmap/cmd/common"
	"github.com/flashbots/techmap/crypto"
	"github.com/flashbots/techmap/protocol"
	"github.com/flashbots/techmap/services"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Path to YAML config file")
		addr          = flag.String("addr", ":8081", "HTTP listen address")
		metricsAddr   = flag.String("metrics-addr", "", "Metrics listen address")
		logLevel      = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logJSON       = flag.Bool("log-json", false, "Log as JSON")
		signingKeyHex = flag.String("signing-key", "", "Ed25519 signing key (hex, generates if empty)")
		keyFile       = flag.String("key-file", "", "Paillier key file (created if missing)")
		keyBits       = flag.Int("key-bits", 0, "Paillier modulus size for new keys")
		allow         = flag.String("allow", "", "Comma separated map server signing keys (hex)")
		useTDX        = flag.Bool("tdx", false, "Use real TDX attestation")
		remoteTDXURL  = flag.String("tdx-url", "", "Remote TDX attestation service URL")
		insecureAny   = flag.Bool("insecure-allow-any", false, "Serve any signer without an allow-list (development only)")
	)
	flag.Parse()

	isFlagSet := func(name string) bool {
		found := false
		flag.Visit(func(f *flag.Flag) {
			if f.Name == name {
				found = true
			}
		})
		return found
	}

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if isFlagSet("addr") || *configPath == "" {
		cfg.HTTPAddr = *addr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logJSON {
		cfg.LogJSON = true
	}
	if *signingKeyHex != "" {
		cfg.Keys.SigningKey = *signingKeyHex
	}
	if *keyFile != "" {
		cfg.Keys.PaillierKeyFile = *keyFile
	}
	if *keyBits != 0 {
		cfg.Keys.PaillierBits = *keyBits
	}
	if *allow != "" {
		cfg.KeyServer.AllowedMapServers = common.SplitList(*allow)
	}
	if *useTDX {
		cfg.Attestation.UseTDX = true
	}
	if *remoteTDXURL != "" {
		cfg.Attestation.TDXRemoteURL = *remoteTDXURL
	}
	if *insecureAny {
		cfg.KeyServer.InsecureAllowAnyMapServer = true
	}

	if err := run(cfg); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfiguration(configPath string) (*common.Config, error) {
	if configPath != "" {
		return common.LoadConfig(configPath)
	}
	return common.DefaultConfig(), nil
}

func run(cfg *common.Config) error {
	log, err := common.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}
	log = log.With("service", "keyserver")

	ksConfig, err := cfg.KeyServerProtocolConfig()
	if errors.Is(err, common.ErrNoAllowedMapServers) {
		return fmt.Errorf("%w: pass --allow=<map server key> or --insecure-allow-any", err)
	}
	if err != nil {
		return err
	}
	if ksConfig.InsecureAllowAnyMapServer {
		log.Warn("Serving decryption requests from any signer, do not use in production")
	}

	signingKey, err := common.LoadOrGenerateSigningKey(cfg.Keys.SigningKey)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}

	started := time.Now()
	keypair, generated, err := common.LoadOrGeneratePaillierKey(cfg.Keys.PaillierKeyFile, cfg.Keys, crypto.MinKeyBits)
	if err != nil {
		return fmt.Errorf("paillier key: %w", err)
	}
	if generated {
		log.Info("Generated paillier key", "file", cfg.Keys.PaillierKeyFile, "bits", cfg.Keys.PaillierBits, "took", time.Since(started))
	}

	keyServer := protocol.NewKeyServerService(ksConfig, keypair, signingKey, log)

	bundle, err := keyServer.PublicKey(context.Background())
	if err != nil {
		return err
	}
	provider := common.NewAttestationProvider(cfg.Attestation.UseTDX, cfg.Attestation.TDXRemoteURL)
	attestation, err := services.AttestKeyBundle(provider, bundle)
	if err != nil {
		return fmt.Errorf("attesting key: %w", err)
	}
	keyServer.SetAttestation(provider.AttestationType(), attestation)

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		Name:                     "techmap-keyserver",
		ListenAddr:               cfg.HTTPAddr,
		MetricsAddr:              cfg.MetricsAddr,
		EnablePprof:              cfg.EnablePprof,
		Log:                      log,
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: 10 * time.Second,
		ReadTimeout:              30 * time.Second,
		WriteTimeout:             60 * time.Second,
		RequestTimeout:           60 * time.Second,
	}, services.NewHTTPKeyServer(keyServer, log))
	if err != nil {
		return err
	}

	signer := keyServer.SignerPublicKey()
	log.Info("Key server ready",
		"fingerprint", bundle.Key.Fingerprint(),
		"signer", signer.String(),
		"attestation", provider.AttestationType())

	srv.RunInBackground()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down key server")
	srv.Shutdown()
	return nil
}
