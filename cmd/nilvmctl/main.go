// Command nilvmctl is the operator CLI for a devnet cluster: it compiles
// down to the same internal/devnet.Cluster that cmd/nilvmd drives, but
// shaped as a cobra command tree instead of a flag-based daemon, grounded
// in opal-lang/opal's cli/main.go (the one repo in the pack that builds
// its whole CLI surface on cobra).
package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nilvm/engine/internal/devnet"
	"github.com/nilvm/engine/internal/metrics"
	"github.com/nilvm/engine/internal/storage/boltblob"
	"github.com/nilvm/engine/pkg/bytecode"
	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/protocol"
)

const version = "0.1.0-devnet"

// clusterFlags holds the persistent flags every subcommand that builds a
// devnet.Cluster shares, mirroring cmd/nilvmd's Config but read directly
// into cobra's flag set rather than through a separate parse step.
type clusterFlags struct {
	self      string
	members   string
	primeSize string
	degree    int
	bitWidth  int
	dataDir   string
	prepBatch int
}

func (f *clusterFlags) register(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&f.self, "self", "p1", "this party's name")
	flags.StringVar(&f.members, "members", "p1", "comma-separated party names")
	flags.StringVar(&f.primeSize, "prime-size", "64", "field size: 64, 128, or 256")
	flags.IntVar(&f.degree, "degree", 0, "Shamir sharing degree")
	flags.IntVar(&f.bitWidth, "bit-width", 32, "comparison bit width")
	flags.StringVar(&f.dataDir, "data-dir", defaultDataDir(), "directory for the node's blob store")
	flags.IntVar(&f.prepBatch, "prep-batch", 256, "preprocessing elements reserved per kind per top-up")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".nilvmctl"
	}
	return home + "/.nilvmctl"
}

func (f *clusterFlags) memberIDs() []protocol.PartyID {
	var out []protocol.PartyID
	for _, m := range strings.Split(f.members, ",") {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		out = append(out, protocol.PartyID(m))
	}
	return out
}

func (f *clusterFlags) prime() *field.Prime {
	switch f.primeSize {
	case "128":
		return field.Safe128
	case "256":
		return field.Safe256
	default:
		return field.Safe64
	}
}

// build opens the blob store at dbName under f.dataDir and constructs a
// Cluster plus the stats.Summary backing its metrics, so status reporting
// and cleanup are both available to the caller.
func (f *clusterFlags) build(dbName string) (*devnet.Cluster, *metrics.Summary, *boltblob.Store, error) {
	if err := os.MkdirAll(f.dataDir, 0o700); err != nil {
		return nil, nil, nil, fmt.Errorf("creating data dir: %w", err)
	}
	store, err := boltblob.Open(f.dataDir + "/" + dbName)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening blob store: %w", err)
	}
	summary := metrics.NewSummary()
	cluster, err := devnet.NewCluster(devnet.Config{
		Prime: f.prime(), Degree: f.degree, BitWidth: uint(f.bitWidth),
		Parties: f.memberIDs(), Blobs: store, Metrics: summary, PrepBatch: f.prepBatch,
	})
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("building cluster: %w", err)
	}
	return cluster, summary, store, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nilvmctl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &clusterFlags{}
	root := &cobra.Command{
		Use:           "nilvmctl",
		Short:         "operate a devnet nilvm cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags.register(root)

	root.AddCommand(newVersionCmd())
	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newPreprocessCmd(flags))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "nilvmctl "+version)
			return nil
		},
	}
}

func newRunCmd(flags *clusterFlags) *cobra.Command {
	var programPath, inputsPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "execute one compiled program against an in-process devnet cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			if programPath == "" {
				return fmt.Errorf("--program is required")
			}
			data, err := os.ReadFile(programPath)
			if err != nil {
				return fmt.Errorf("reading program: %w", err)
			}
			var prog bytecode.Program
			if err := prog.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("decoding program: %w", err)
			}

			inputs := map[string]struct {
				Int  *big.Int `json:"int,omitempty"`
				Bool *bool    `json:"bool,omitempty"`
			}{}
			if inputsPath != "" {
				raw, err := os.ReadFile(inputsPath)
				if err != nil {
					return fmt.Errorf("reading inputs: %w", err)
				}
				if err := json.Unmarshal(raw, &inputs); err != nil {
					return fmt.Errorf("decoding inputs: %w", err)
				}
			}
			values := make(map[string]devnet.InputValue, len(inputs))
			for name, v := range inputs {
				values[name] = devnet.InputValue{Int: v.Int, Bool: v.Bool}
			}

			cluster, _, store, err := flags.build("nilvmctl-run.db")
			if err != nil {
				return err
			}
			defer store.Close()

			started := time.Now()
			outputs, err := cluster.Run(cmd.Context(), &prog, values)
			if err != nil {
				return fmt.Errorf("run failed: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "run complete in %s\n", time.Since(started))

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(outputs)
		},
	}
	cmd.Flags().StringVar(&programPath, "program", "", "path to a CBOR-encoded bytecode.Program")
	cmd.Flags().StringVar(&inputsPath, "inputs", "", "path to a JSON file of input values")
	return cmd
}

func newPreprocessCmd(flags *clusterFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preprocess",
		Short: "inspect and top up the cluster's preprocessing pools",
	}
	cmd.AddCommand(newPreprocessWarmCmd(flags))
	cmd.AddCommand(newPreprocessStatusCmd(flags))
	return cmd
}

func newPreprocessWarmCmd(flags *clusterFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "warm",
		Short: "top up every universal preprocessing kind once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cluster, _, store, err := flags.build("nilvmctl-warm.db")
			if err != nil {
				return err
			}
			defer store.Close()
			if err := cluster.Warm(cmd.Context()); err != nil {
				return fmt.Errorf("warming preprocessing: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "preprocessing topped up")
			return nil
		},
	}
}

func newPreprocessStatusCmd(flags *clusterFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "report generated/committed offsets per preprocessing kind",
		RunE: func(cmd *cobra.Command, args []string) error {
			cluster, _, store, err := flags.build("nilvmctl-warm.db")
			if err != nil {
				return err
			}
			defer store.Close()
			if err := cluster.Warm(cmd.Context()); err != nil {
				return fmt.Errorf("warming preprocessing: %w", err)
			}
			kinds, err := cluster.PreprocessingStatus()
			if err != nil {
				return fmt.Errorf("reading status: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(kinds)
		},
	}
}
