package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/nilvm/engine/pkg/field"
)

// Config is one devnet node's static configuration: the cluster it
// belongs to, the field it computes over, where its preprocessing and
// blob data lives, and how it logs. Shaped after rubin-protocol's
// node/config.go (DefaultConfig/ValidateConfig), generalized from a
// blockchain node's network/peer fields to an MPC cluster's member/prime/
// degree/preprocessing fields.
type Config struct {
	Self        string   `json:"self"`
	Members     []string `json:"members"`
	PrimeSize   string   `json:"prime_size"` // "64", "128", or "256"
	Degree      int      `json:"degree"`
	BitWidth    int      `json:"bit_width"`
	DataDir     string   `json:"data_dir"`
	BindAddr    string   `json:"bind_addr"`
	LogLevel    string   `json:"log_level"`
	PrepBatch   int      `json:"prep_batch"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

var allowedPrimeSizes = map[string]struct{}{
	"64":  {},
	"128": {},
	"256": {},
}

// DefaultDataDir mirrors rubin-protocol's DefaultDataDir: a dotdir under
// the user's home, falling back to a relative path if the home directory
// cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".nilvmd"
	}
	return filepath.Join(home, ".nilvmd")
}

// DefaultConfig returns a single-node devnet configuration: one member
// named "p1", a 64-bit prime, degree 0 (no threshold, tolerates no
// corruption), and info-level logging.
func DefaultConfig() Config {
	return Config{
		Self:      "p1",
		Members:   []string{"p1"},
		PrimeSize: "64",
		Degree:    0,
		BitWidth:  32,
		DataDir:   DefaultDataDir(),
		BindAddr:  "127.0.0.1:17217",
		LogLevel:  "info",
		PrepBatch: 256,
	}
}

// NormalizeMembers splits and dedupes comma-separated member-list tokens,
// mirroring rubin-protocol's NormalizePeers.
func NormalizeMembers(raw ...string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, token := range raw {
		for _, m := range strings.Split(token, ",") {
			m = strings.TrimSpace(m)
			if m == "" {
				continue
			}
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// ValidateConfig checks cfg for internal consistency before the node
// starts, per node/config.go's ValidateConfig shape.
func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Self) == "" {
		return errors.New("self is required")
	}
	if len(cfg.Members) == 0 {
		return errors.New("at least one member is required")
	}
	found := false
	for _, m := range cfg.Members {
		if m == cfg.Self {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("self %q is not among members %v", cfg.Self, cfg.Members)
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if err := validateAddr(cfg.BindAddr); err != nil {
		return fmt.Errorf("invalid bind_addr: %w", err)
	}
	if _, ok := allowedPrimeSizes[cfg.PrimeSize]; !ok {
		return fmt.Errorf("invalid prime_size %q, want 64, 128, or 256", cfg.PrimeSize)
	}
	if cfg.Degree < 0 {
		return errors.New("degree must be >= 0")
	}
	if cfg.Degree >= len(cfg.Members) {
		return fmt.Errorf("degree %d must be less than the member count %d", cfg.Degree, len(cfg.Members))
	}
	if cfg.BitWidth <= 0 || cfg.BitWidth > 64 {
		return errors.New("bit_width must be in (0, 64]")
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if cfg.PrepBatch <= 0 {
		return errors.New("prep_batch must be > 0")
	}
	return nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid host")
	}
	return nil
}

// primeFor resolves cfg's configured prime size to the pkg/field constant.
func primeFor(cfg Config) *field.Prime {
	switch cfg.PrimeSize {
	case "128":
		return field.Safe128
	case "256":
		return field.Safe256
	default:
		return field.Safe64
	}
}
