// Package inventory loads the test manifest and the affected-set file.
// Test discovery itself happens outside the orchestrator; the manifest is
// its handover format.
package inventory

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-harness/types"
)

// Inventory manages the loaded test descriptors.
type Inventory struct {
	config Config
	cases  []types.TestCase
	mu     sync.RWMutex
}

// Config contains inventory configuration
type Config struct {
	Log            log.Logger
	ManifestFile   string
	DefaultTimeout time.Duration
}

// manifest is the on-disk YAML shape.
type manifest struct {
	Suites []suiteConfig `yaml:"suites"`
}

type suiteConfig struct {
	Name  string           `yaml:"name"`
	Tests []types.TestCase `yaml:"tests"`
}

// New creates an inventory and loads the manifest.
func New(cfg Config) (*Inventory, error) {
	if cfg.ManifestFile == "" {
		return nil, fmt.Errorf("manifest file is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}

	inv := &Inventory{config: cfg}
	if err := inv.load(cfg.ManifestFile); err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	cfg.Log.Debug("Inventory loaded", "len(cases)", len(inv.cases))
	return inv, nil
}

// TestCases returns the loaded descriptors in manifest order.
func (inv *Inventory) TestCases() []types.TestCase {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]types.TestCase, len(inv.cases))
	copy(out, inv.cases)
	return out
}

func (inv *Inventory) load(path string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading manifest %s: %w", path, err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parsing manifest %s: %w", path, err)
	}

	seen := make(map[string]bool)
	var cases []types.TestCase
	for _, suite := range m.Suites {
		if suite.Name == "" {
			return fmt.Errorf("manifest %s: suite with empty name", path)
		}
		for _, tc := range suite.Tests {
			tc.Suite = suite.Name
			if tc.ID == "" {
				return fmt.Errorf("suite %s: test with empty id", suite.Name)
			}
			if seen[tc.ID] {
				return fmt.Errorf("duplicate test id %q", tc.ID)
			}
			seen[tc.ID] = true
			if len(tc.Command) == 0 {
				return fmt.Errorf("test %s: empty command", tc.ID)
			}
			if tc.Name == "" {
				tc.Name = tc.ID
			}
			if tc.Timeout <= 0 {
				tc.Timeout = inv.config.DefaultTimeout
			}
			cases = append(cases, tc)
		}
	}
	if len(cases) == 0 {
		return fmt.Errorf("manifest %s contains no tests", path)
	}

	inv.cases = cases
	return nil
}
