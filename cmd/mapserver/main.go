// Command mapserver runs the techmap map server.
//
// The map server stores encrypted technology parameter maps, aggregates
// producer contributions homomorphically and answers regular and reverse
// queries. It holds no decryption key: every query result is blinded and
// decrypted by the key server for the requesting producer.
//
// # Configuration File
//
//	http_addr: ":8080"
//	metrics_addr: ":9090"
//	admin_token: "admin:secret"
//	cors_origins: ["https://portal.example"]
//	keys:
//	  signing_key: ""               # must be allowed by the key server
//	attestation:
//	  use_tdx: false
//	  measurements_url: ""
//	key_server:
//	  url: http://localhost:8081
//	database_url: postgres://techmap@localhost/techmap?sslmode=disable
//	map_server:
//	  cas_retries: 8
//	  candidate_ttl: 30m
//	techmap:
//	  scale: 1000
//	  validation: validated
//
// # Endpoints
//
// Producers (signed requests):
//   - GET  /config, GET /public-key
//   - POST /provision, /query, /reverse-query, /select
//
// Admin (basic auth when admin_token set):
//   - POST /admin/producers, DELETE /admin/producers/{public_key}
//   - GET  /admin/producers, GET /admin/access
//
// # Usage
//
//	go run ./cmd/mapserver --config=mapserver.yaml
//	go run ./cmd/mapserver --key-server=http://localhost:8081 --admin-token=admin:secret
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flashbots/techmap/api/httpserver"
	"github.com/flashbots/techmap/cmd/common"
	"github.com/flashbots/techmap/protocol"
	"github.com/flashbots/techmap/services"
)

func main() {
	var (
		configPath      = flag.String("config", "", "Path to YAML config file")
		addr            = flag.String("addr", ":8080", "HTTP listen address")
		metricsAddr     = flag.String("metrics-addr", "", "Metrics listen address")
		logLevel        = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logJSON         = flag.Bool("log-json", false, "Log as JSON")
		keyServerURL    = flag.String("key-server", "", "Key server URL")
		adminToken      = flag.String("admin-token", "", "Basic auth token for admin operations (user:pass)")
		databaseURL     = flag.String("database-url", "", "PostgreSQL connection string (in-memory if empty)")
		corsOrigins     = flag.String("cors-origins", "", "Comma separated allowed CORS origins")
		signingKeyHex   = flag.String("signing-key", "", "Ed25519 signing key (hex, generates if empty)")
		measurementsURL = flag.String("measurements-url", "", "URL for allowed measurements")
		useTDX          = flag.Bool("tdx", false, "Use real TDX attestation verification")
		remoteTDXURL    = flag.String("tdx-url", "", "Remote TDX verification service URL")
		skipAttestation = flag.Bool("skip-attestation", false, "Trust the key server's key without attestation")
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
	if *keyServerURL != "" {
		cfg.KeyServer.URL = *keyServerURL
	}
	if *adminToken != "" {
		cfg.AdminToken = *adminToken
	}
	if *databaseURL != "" {
		cfg.DatabaseURL = *databaseURL
	}
	if *corsOrigins != "" {
		cfg.CORSOrigins = common.SplitList(*corsOrigins)
	}
	if *signingKeyHex != "" {
		cfg.Keys.SigningKey = *signingKeyHex
	}
	if *measurementsURL != "" {
		cfg.Attestation.MeasurementsURL = *measurementsURL
	}
	if *useTDX {
		cfg.Attestation.UseTDX = true
	}
	if *remoteTDXURL != "" {
		cfg.Attestation.TDXRemoteURL = *remoteTDXURL
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	if err := run(ctx, cfg, *skipAttestation); err != nil {
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

// openStores returns the map store and the producer store. Both live in the
// same database when one is configured.
func openStores(cfg *common.Config, log *slog.Logger) (protocol.Store, services.ProducerStore, func(), error) {
	dsn := cfg.DatabaseDSN()
	if dsn == "" {
		log.Warn("No database configured, maps are kept in memory")
		return protocol.NewInMemoryStore(), services.NewInMemoryProducerStore(), func() {}, nil
	}
	pg, err := services.NewPostgresStore(dsn)
	if err != nil {
		return nil, nil, nil, err
	}
	return pg, pg, func() { pg.Close() }, nil
}

// fetchKeyBundle retrieves the key server's encryption key and checks its
// attestation, retrying until the key server is reachable.
func fetchKeyBundle(ctx context.Context, client *services.KeyServerHTTPClient, verifier protocol.KeyBundleVerifier, log *slog.Logger) (*protocol.PublicKeyResponse, error) {
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		bundle, err := client.PublicKey(reqCtx)
		cancel()
		if err == nil {
			if verifier != nil {
				if err := verifier.VerifyKeyBundle(bundle); err != nil {
					return nil, fmt.Errorf("key server attestation: %w", err)
				}
			}
			return bundle, nil
		}

		log.Warn("Key server not reachable, retrying", "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func run(ctx context.Context, cfg *common.Config, skipAttestation bool) error {
	log, err := common.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}
	log = log.With("service", "mapserver")

	signingKey, err := common.LoadOrGenerateSigningKey(cfg.Keys.SigningKey)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	signer, err := signingKey.PublicKey()
	if err != nil {
		return err
	}
	log.Info("Map server signing key", "public_key", signer.String())

	store, producers, closeStores, err := openStores(cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	ksClient := services.NewKeyServerHTTPClient(cfg.KeyServer.URL, nil)
	verifier := common.NewKeyBundleVerifier(cfg.Attestation, skipAttestation)
	if verifier == nil {
		log.Warn("Key server attestation is not verified")
	}
	bundle, err := fetchKeyBundle(ctx, ksClient, verifier, log)
	if err != nil {
		return err
	}

	registry := services.NewProducerRegistry(producers, nil, cfg.AdminToken, log)
	mapServer, err := protocol.NewMapServerService(cfg.MapServer, cfg.TechMap, store, ksClient, registry, signingKey, bundle, log)
	if err != nil {
		return err
	}
	registry.SetAccessLog(mapServer)

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		Name:                     "techmap-mapserver",
		ListenAddr:               cfg.HTTPAddr,
		MetricsAddr:              cfg.MetricsAddr,
		EnablePprof:              cfg.EnablePprof,
		Log:                      log,
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: 10 * time.Second,
		ReadTimeout:              30 * time.Second,
		WriteTimeout:             60 * time.Second,
		RequestTimeout:           60 * time.Second,
	}, services.NewHTTPMapServer(mapServer, cfg.CORSOrigins, log), registry)
	if err != nil {
		return err
	}

	if cfg.AdminToken != "" {
		log.Info("Admin authentication enabled for /admin/* routes")
	} else {
		log.Warn("No admin token configured, /admin/* routes are unprotected")
	}
	log.Info("Map server ready", "key_server", cfg.KeyServer.URL, "fingerprint", bundle.Key.Fingerprint())

	srv.RunInBackground()
	<-ctx.Done()

	log.Info("Shutting down map server")
	srv.Shutdown()
	return nil
}
