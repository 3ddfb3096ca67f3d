package inventory

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum-optimism/infra/op-harness/types"
)

// LoadAffectedSet reads a newline-delimited file of test IDs produced by
// the external change-detection step. Blank lines and #-comments are
// ignored. An empty path yields an empty set.
func LoadAffectedSet(path string) (types.AffectedSet, error) {
	if path == "" {
		return types.AffectedSet{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading affected set %s: %w", path, err)
	}

	var ids []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	return types.NewAffectedSet(ids), nil
}
