// Package machine defines the lifecycle contract for the dedicated
// execution machines backing serial test batches. Each backend implements
// the Provider interface so the scheduler stays compute-agnostic and can
// be tested against deterministic fakes.
package machine

import (
	"context"

	"github.com/ethereum-optimism/infra/op-harness/types"
)

// Provider provisions and recycles execution machines.
//
// Reset kills and restarts the machine while preserving its externally
// visible network identity, so address references held by queued test
// commands remain valid. Kill permanently destroys the machine and must
// be idempotent. Provisioning failures are fatal to the run; the
// scheduler does not recover from them locally.
type Provider interface {
	Start(ctx context.Context) (types.Machine, error)
	Reset(ctx context.Context, m types.Machine) (types.Machine, error)
	Kill(ctx context.Context, m types.Machine) error
}
