// Command producer is the techmap client for producers.
//
// It encrypts contributions and decrypts query results locally. The map
// server and the key server only ever see ciphertexts or blinded values.
//
// # Commands
//
// keygen: Print a new signing key. Register the public key with the map
// server operator before using the other commands.
//
//	producer keygen
//
// provision: Contribute one measurement to a map.
//
//	producer provision --key=<hex> --machine="DMU 50" --material=steel --tool="end mill 10mm" \
//	    --tool-type="end mill" --diameter=10 --input=1.2,3 --values=fz=0.12,usage=30
//
// query: Decrypt aggregates of a map at the given inputs.
//
//	producer query --key=<hex> --map-id=<id> --map-salt=<salt> --machine=... --material=... --tool=... --input="1.2,3;2,3"
//
// reverse: Find maps of other producers by label and tool.
//
//	producer reverse --key=<hex> --material=steel --tool-type="end mill" --diameter=10 --tolerance=1
//
// select: Unlock a candidate returned by reverse.
//
//	producer select --key=<hex> --map-id=<id>
//
// explore: Reverse query, select and decrypt every candidate, and rank them
// against target outputs.
//
//	producer explore --key=<hex> --material=steel --target=fz=0.1
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flashbots/techmap/cmd/common"
	"github.com/flashbots/techmap/crypto"
	"github.com/flashbots/techmap/protocol"
	"github.com/flashbots/techmap/services"
)

const keyEnv = "TECHMAP_PRODUCER_KEY"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "keygen":
		err = runKeygen()
	case "provision":
		err = runProvision(ctx, args)
	case "query":
		err = runQuery(ctx, args)
	case "reverse":
		err = runReverse(ctx, args)
	case "select":
		err = runSelect(ctx, args)
	case "explore":
		err = runExplore(ctx, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var pe *protocol.Error
		if errors.As(err, &pe) {
			fmt.Fprintf(os.Stderr, "  kind: %s, code: %s\n", pe.Kind, pe.Code)
		}
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`producer - techmap client

Usage:
  producer <command> [options]

Commands:
  keygen     Print a new signing key pair
  provision  Contribute a measurement to a map
  query      Decrypt aggregates of a map
  reverse    Find candidate maps
  select     Unlock a candidate map
  explore    Find, unlock, decrypt and rank candidate maps

The signing key is read from --key or $` + keyEnv + `.
Run 'producer <command> --help' for command-specific options.`)
}

// connection holds the flags shared by all commands that talk to a map server.
type connection struct {
	mapServerURL     string
	keyHex           string
	measurementsURL  string
	useTDX           bool
	skipVerification bool
	timeout          time.Duration
	verbose          bool
}

func (c *connection) register(fs *flag.FlagSet) {
	fs.StringVar(&c.mapServerURL, "map-server", "http://localhost:8080", "Map server URL")
	fs.StringVar(&c.keyHex, "key", os.Getenv(keyEnv), "Ed25519 signing key (hex)")
	fs.StringVar(&c.measurementsURL, "measurements-url", "", "URL for allowed key server measurements")
	fs.BoolVar(&c.useTDX, "tdx", false, "Verify real TDX attestation")
	fs.BoolVar(&c.skipVerification, "skip-verification", false, "Do not verify the key server attestation")
	fs.DurationVar(&c.timeout, "timeout", 2*time.Minute, "Overall timeout")
	fs.BoolVar(&c.verbose, "v", false, "Verbose logging")
}

// connect verifies the key bundle and returns a ready producer client.
func (c *connection) connect(ctx context.Context) (*protocol.ProducerService, error) {
	if c.keyHex == "" {
		return nil, fmt.Errorf("--key or $%s is required", keyEnv)
	}
	key, err := common.LoadOrGenerateSigningKey(c.keyHex)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}

	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	verifier := common.NewKeyBundleVerifier(common.AttestationConfig{
		UseTDX:          c.useTDX,
		MeasurementsURL: c.measurementsURL,
	}, c.skipVerification)

	api := services.NewMapServerHTTPClient(c.mapServerURL, nil)
	return protocol.NewProducerService(ctx, api, key, verifier, log)
}

type labelFlags struct {
	machine, material, tool string
}

func (l *labelFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&l.machine, "machine", "", "Machine label")
	fs.StringVar(&l.material, "material", "", "Material label")
	fs.StringVar(&l.tool, "tool", "", "Tool label")
}

func (l *labelFlags) label() protocol.MapLabel {
	return protocol.MapLabel{Machine: l.machine, Material: l.material, Tool: l.tool}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runKeygen() error {
	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	return printJSON(map[string]string{
		"public_key":  pub.String(),
		"signing_key": fmt.Sprintf("%x", priv.Bytes()),
	})
}

func runProvision(ctx context.Context, args []string) error {
	var (
		conn     connection
		label    labelFlags
		toolType string
		diameter float64
		input    string
		values   string
	)
	fs := flag.NewFlagSet("provision", flag.ContinueOnError)
	conn.register(fs)
	label.register(fs)
	fs.StringVar(&toolType, "tool-type", "", "Tool type, e.g. \"end mill\"")
	fs.Float64Var(&diameter, "diameter", 0, "Tool diameter")
	fs.StringVar(&input, "input", "", "Process inputs in config order, e.g. 1.2,3")
	fs.StringVar(&values, "values", "", "Outputs, e.g. fz=0.12,usage=30")
	if err := fs.Parse(args); err != nil {
		return err
	}

	inputs, err := parseFloats(input)
	if err != nil {
		return fmt.Errorf("--input: %w", err)
	}
	outputs, err := parseNamed(values)
	if err != nil {
		return fmt.Errorf("--values: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, conn.timeout)
	defer cancel()
	p, err := conn.connect(ctx)
	if err != nil {
		return err
	}

	ack, err := p.Provision(ctx, label.label(), protocol.ToolProperties{Type: toolType, Diameter: diameter}, inputs, outputs)
	if err != nil {
		return err
	}
	return printJSON(ack)
}

func runQuery(ctx context.Context, args []string) error {
	var (
		conn    connection
		label   labelFlags
		mapID   string
		mapSalt string
		points  string
	)
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	conn.register(fs)
	label.register(fs)
	fs.StringVar(&mapID, "map-id", "", "Map id from provision or select")
	fs.StringVar(&mapSalt, "map-salt", "", "Map salt from provision or select")
	fs.StringVar(&points, "input", "", "Points to query, e.g. \"1.2,3;2,3\"")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if mapID == "" || mapSalt == "" {
		return fmt.Errorf("--map-id and --map-salt are required")
	}
	inputs, err := parsePoints(points)
	if err != nil {
		return fmt.Errorf("--input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, conn.timeout)
	defer cancel()
	p, err := conn.connect(ctx)
	if err != nil {
		return err
	}

	ref := protocol.MapRef{ID: protocol.MapID(mapID), Label: label.label(), Salt: mapSalt}
	results, err := p.QueryInputs(ctx, ref, inputs)
	if err != nil {
		return err
	}
	return printJSON(results)
}

type filterFlags struct {
	labelFlags
	toolType  string
	diameter  float64
	tolerance float64
	exclude   string
	limit     int
}

func (f *filterFlags) register(fs *flag.FlagSet) {
	f.labelFlags.register(fs)
	fs.StringVar(&f.toolType, "tool-type", "", "Tool type")
	fs.Float64Var(&f.diameter, "diameter", 0, "Tool diameter (0 for any)")
	fs.Float64Var(&f.tolerance, "tolerance", 0, "Allowed diameter deviation")
	fs.StringVar(&f.exclude, "exclude", "", "Comma separated tool labels to exclude")
	fs.IntVar(&f.limit, "limit", 0, "Maximum candidates (0 for the server maximum)")
}

func (f *filterFlags) filter() protocol.ReverseQueryFilter {
	out := protocol.ReverseQueryFilter{
		Machine:           f.machine,
		Material:          f.material,
		Tool:              f.tool,
		ToolType:          f.toolType,
		DiameterTolerance: f.tolerance,
		ExcludedTools:     common.SplitList(f.exclude),
		Limit:             f.limit,
	}
	if f.diameter > 0 {
		d := f.diameter
		out.ToolDiameter = &d
	}
	return out
}

func runReverse(ctx context.Context, args []string) error {
	var (
		conn   connection
		filter filterFlags
	)
	fs := flag.NewFlagSet("reverse", flag.ContinueOnError)
	conn.register(fs)
	filter.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, conn.timeout)
	defer cancel()
	p, err := conn.connect(ctx)
	if err != nil {
		return err
	}

	candidates, err := p.ReverseQuery(ctx, filter.filter())
	if err != nil {
		return err
	}
	return printJSON(candidates)
}

func runSelect(ctx context.Context, args []string) error {
	var (
		conn  connection
		mapID string
	)
	fs := flag.NewFlagSet("select", flag.ContinueOnError)
	conn.register(fs)
	fs.StringVar(&mapID, "map-id", "", "Candidate map id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if mapID == "" {
		return fmt.Errorf("--map-id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, conn.timeout)
	defer cancel()
	p, err := conn.connect(ctx)
	if err != nil {
		return err
	}

	ack, err := p.SelectCandidate(ctx, protocol.MapID(mapID))
	if err != nil {
		return err
	}
	return printJSON(ack)
}

func runExplore(ctx context.Context, args []string) error {
	var (
		conn    connection
		filter  filterFlags
		targets string
	)
	fs := flag.NewFlagSet("explore", flag.ContinueOnError)
	conn.register(fs)
	filter.register(fs)
	fs.StringVar(&targets, "target", "", "Target outputs to rank by, e.g. fz=0.1")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var want map[string]float64
	if targets != "" {
		var err error
		if want, err = parseNamed(targets); err != nil {
			return fmt.Errorf("--target: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, conn.timeout)
	defer cancel()
	p, err := conn.connect(ctx)
	if err != nil {
		return err
	}

	results, err := p.Explore(ctx, filter.filter())
	if err != nil {
		return err
	}
	return printJSON(protocol.RankCandidates(results, want))
}
