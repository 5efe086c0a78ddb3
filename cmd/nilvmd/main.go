// Command nilvmd runs a devnet MPC node: either a long-lived process that
// keeps a cluster's preprocessing pools topped up, or a single-shot runner
// that executes one compiled program and prints its outputs. Since
// spec.md's Non-goals exclude the real gRPC transport, "cluster" here means
// an in-process simulation of every configured member (internal/devnet),
// not a single peer talking to others over the wire -- the node-process
// shape (flags, config validation, graceful shutdown) still follows
// rubin-protocol's clients/go/node/main.go.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nilvm/engine/internal/devnet"
	"github.com/nilvm/engine/internal/metrics"
	"github.com/nilvm/engine/internal/storage/boltblob"
	"github.com/nilvm/engine/pkg/bytecode"
	"github.com/nilvm/engine/pkg/protocol"
)

const version = "0.1.0-devnet"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}
	switch args[0] {
	case "version":
		fmt.Println("nilvmd " + version)
		return 0
	case "start":
		return cmdStart(args[1:])
	case "run":
		return cmdRun(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "nilvmd: unknown command %q\n\n", args[0])
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: nilvmd <command> [flags]

commands:
  start    run a long-lived node that tops up preprocessing on a timer
  run      execute one compiled program against an in-process devnet cluster
  version  print the build version`)
}

func parseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := DefaultConfig()
	var membersFlag string
	fs.StringVar(&cfg.Self, "self", cfg.Self, "this party's name")
	fs.StringVar(&membersFlag, "members", "", "comma-separated party names (default: self alone)")
	fs.StringVar(&cfg.PrimeSize, "prime-size", cfg.PrimeSize, "field size: 64, 128, or 256")
	fs.IntVar(&cfg.Degree, "degree", cfg.Degree, "Shamir sharing degree")
	fs.IntVar(&cfg.BitWidth, "bit-width", cfg.BitWidth, "comparison bit width")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for the node's blob store")
	fs.StringVar(&cfg.BindAddr, "bind-addr", cfg.BindAddr, "address reserved for the node (unused by the in-process transport)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, or error")
	fs.IntVar(&cfg.PrepBatch, "prep-batch", cfg.PrepBatch, "preprocessing elements reserved per kind per top-up")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if membersFlag != "" {
		cfg.Members = NormalizeMembers(membersFlag)
	} else {
		cfg.Members = []string{cfg.Self}
	}
	return cfg, ValidateConfig(cfg)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func partyIDs(names []string) []protocol.PartyID {
	out := make([]protocol.PartyID, len(names))
	for i, n := range names {
		out[i] = protocol.PartyID(n)
	}
	return out
}

func buildCluster(cfg Config, blobPath string) (*devnet.Cluster, *boltblob.Store, error) {
	store, err := boltblob.Open(blobPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening blob store: %w", err)
	}
	cluster, err := devnet.NewCluster(devnet.Config{
		Prime: primeFor(cfg), Degree: cfg.Degree, BitWidth: uint(cfg.BitWidth),
		Parties: partyIDs(cfg.Members), Blobs: store, Metrics: metrics.NewSummary(),
		PrepBatch: cfg.PrepBatch,
	})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("building cluster: %w", err)
	}
	return cluster, store, nil
}

// cmdStart runs a node that tops up every universal preprocessing kind on
// a fixed interval until it receives SIGINT/SIGTERM.
func cmdStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	tick := fs.Duration("tick", 30*time.Second, "preprocessing top-up interval")
	cfg, err := parseConfig(fs, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "nilvmd start:", err)
		return 2
	}

	logger := newLogger(cfg.LogLevel)
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		logger.Error("creating data directory", "error", err)
		return 1
	}
	cluster, store, err := buildCluster(cfg, filepath.Join(cfg.DataDir, "nilvmd.db"))
	if err != nil {
		logger.Error("starting node", "error", err)
		return 1
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("node started", "self", cfg.Self, "members", cfg.Members, "prime_size", cfg.PrimeSize, "data_dir", cfg.DataDir)
	ticker := time.NewTicker(*tick)
	defer ticker.Stop()

	if err := cluster.Warm(ctx); err != nil {
		logger.Error("initial preprocessing warm-up failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return 0
		case <-ticker.C:
			if err := cluster.Warm(ctx); err != nil {
				logger.Error("preprocessing top-up failed", "error", err)
			} else {
				logger.Debug("preprocessing topped up")
			}
		}
	}
}

// programInputs is the JSON shape cmdRun reads input values from: each
// entry names a program input and supplies exactly one of int/bool,
// matching devnet.Cluster.Run's InputValue contract.
type programInputs map[string]struct {
	Int  *big.Int `json:"int,omitempty"`
	Bool *bool    `json:"bool,omitempty"`
}

// cmdRun loads a compiled program and a JSON input file, executes it once
// across an in-process simulation of cfg.Members, and prints the
// reconstructed outputs as JSON.
func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	programPath := fs.String("program", "", "path to a CBOR-encoded bytecode.Program")
	inputsPath := fs.String("inputs", "", "path to a JSON file of input values")
	cfg, err := parseConfig(fs, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "nilvmd run:", err)
		return 2
	}
	if *programPath == "" {
		fmt.Fprintln(os.Stderr, "nilvmd run: -program is required")
		return 2
	}

	logger := newLogger(cfg.LogLevel)

	data, err := os.ReadFile(*programPath)
	if err != nil {
		logger.Error("reading program", "error", err)
		return 1
	}
	var prog bytecode.Program
	if err := prog.UnmarshalBinary(data); err != nil {
		logger.Error("decoding program", "error", err)
		return 1
	}

	inputs := programInputs{}
	if *inputsPath != "" {
		raw, err := os.ReadFile(*inputsPath)
		if err != nil {
			logger.Error("reading inputs", "error", err)
			return 1
		}
		if err := json.Unmarshal(raw, &inputs); err != nil {
			logger.Error("decoding inputs", "error", err)
			return 1
		}
	}
	values := make(map[string]devnet.InputValue, len(inputs))
	for name, v := range inputs {
		values[name] = devnet.InputValue{Int: v.Int, Bool: v.Bool}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		logger.Error("creating data directory", "error", err)
		return 1
	}
	cluster, store, err := buildCluster(cfg, filepath.Join(cfg.DataDir, "nilvmd-run.db"))
	if err != nil {
		logger.Error("building cluster", "error", err)
		return 1
	}
	defer store.Close()

	started := time.Now()
	outputs, err := cluster.Run(context.Background(), &prog, values)
	if err != nil {
		logger.Error("run failed", "error", err)
		return 1
	}
	logger.Info("run complete", "elapsed", time.Since(started))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return encodeOrFail(enc, outputs, logger)
}

func encodeOrFail(enc *json.Encoder, outputs map[string]devnet.OutputValue, logger *slog.Logger) int {
	if err := enc.Encode(outputs); err != nil {
		logger.Error("encoding outputs", "error", err)
		return 1
	}
	return 0
}
