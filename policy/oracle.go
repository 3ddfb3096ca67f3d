package policy

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Oracle is an optional external advisory service consulted on failing
// attempts. It receives the full captured output and may return modified
// output carrying an embedded retry directive or skip marker.
type Oracle interface {
	Consult(ctx context.Context, output []byte) ([]byte, error)
}

// oracleTimeout bounds a single oracle invocation.
const oracleTimeout = 30 * time.Second

// ExecOracle invokes an external executable with the captured output on
// stdin and reads the (possibly rewritten) output from stdout. A missing
// executable, or any invocation error, is logged and treated as "no
// policy" so the default heuristics apply. Oracle trouble is never fatal.
type ExecOracle struct {
	Path string
	Log  log.Logger
}

// NewExecOracle creates an ExecOracle for the given executable path.
func NewExecOracle(path string, logger log.Logger) *ExecOracle {
	if logger == nil {
		logger = log.New()
	}
	return &ExecOracle{Path: path, Log: logger}
}

// Consult implements Oracle. The returned output equals the input
// whenever the oracle is unavailable or errors.
func (o *ExecOracle) Consult(ctx context.Context, output []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, oracleTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, o.Path)
	cmd.Stdin = bytes.NewReader(output)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			o.Log.Debug("Advisory oracle not found, using default heuristics", "path", o.Path)
		} else {
			o.Log.Error("Advisory oracle invocation failed, using default heuristics",
				"path", o.Path, "error", err)
		}
		return output, nil
	}
	return stdout.Bytes(), nil
}
