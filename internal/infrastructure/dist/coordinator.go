// Package dist provides rank coordination for data-parallel training:
// barriers, sum all-reduce and gradient synchronization.
package dist

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Coordinator is one rank's handle on the process group. Collectives block
// until every rank has issued the same call; ranks must issue collectives in
// the same order.
type Coordinator interface {
	// Rank returns this rank's index in [0, WorldSize).
	Rank() int

	// WorldSize returns the number of ranks.
	WorldSize() int

	// IsLeader reports whether this is rank 0.
	IsLeader() bool

	// Barrier blocks until every rank reaches it.
	Barrier(ctx context.Context) error

	// AllReduceSum replaces v with the element-wise sum over all ranks.
	// Every rank sees the same result, summed in rank order.
	AllReduceSum(ctx context.Context, v []float64) error

	// Close releases transport resources.
	Close() error
}

// Single is the coordinator of a one-rank world.
type Single struct{}

// NewSingle returns a one-rank coordinator.
func NewSingle() *Single {
	return &Single{}
}

func (*Single) Rank() int      { return 0 }
func (*Single) WorldSize() int { return 1 }
func (*Single) IsLeader() bool { return true }

// Barrier returns immediately unless ctx is done.
func (*Single) Barrier(ctx context.Context) error {
	return ctx.Err()
}

// AllReduceSum leaves v unchanged.
func (*Single) AllReduceSum(ctx context.Context, _ []float64) error {
	return ctx.Err()
}

func (*Single) Close() error { return nil }

// Env is the process-group description found in the environment.
type Env struct {
	Rank       int
	LocalRank  int
	WorldSize  int
	MasterAddr string
	MasterPort int
}

// Address returns host:port of the leader.
func (e Env) Address() string {
	return fmt.Sprintf("%s:%d", e.MasterAddr, e.MasterPort)
}

// Default rendezvous address.
const (
	DefaultMasterAddr = "127.0.0.1"
	DefaultMasterPort = 29500
)

// FromEnv reads RANK, LOCAL_RANK, WORLD_SIZE, MASTER_ADDR and MASTER_PORT.
// Missing variables default to a one-rank world on localhost. localRank,
// when >= 0, overrides LOCAL_RANK and stands in for a missing RANK.
func FromEnv(localRank int) (Env, error) {
	env := Env{WorldSize: 1, MasterAddr: DefaultMasterAddr, MasterPort: DefaultMasterPort}

	var err error
	if env.LocalRank, err = intEnv("LOCAL_RANK", 0); err != nil {
		return env, err
	}
	if localRank >= 0 {
		env.LocalRank = localRank
	}
	if env.Rank, err = intEnv("RANK", env.LocalRank); err != nil {
		return env, err
	}
	if env.WorldSize, err = intEnv("WORLD_SIZE", 1); err != nil {
		return env, err
	}
	if v := os.Getenv("MASTER_ADDR"); v != "" {
		env.MasterAddr = v
	}
	if env.MasterPort, err = intEnv("MASTER_PORT", DefaultMasterPort); err != nil {
		return env, err
	}

	if env.WorldSize < 1 {
		return env, fmt.Errorf("WORLD_SIZE %d must be >= 1", env.WorldSize)
	}
	if env.Rank < 0 || env.Rank >= env.WorldSize {
		return env, fmt.Errorf("RANK %d outside world of %d", env.Rank, env.WorldSize)
	}
	return env, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, v, err)
	}
	return n, nil
}

// Connect joins the process group described by env: a Single for a
// one-rank world, otherwise a Remote hosted by rank 0.
func Connect(ctx context.Context, env Env, opts RemoteOptions) (Coordinator, error) {
	if env.WorldSize == 1 {
		return NewSingle(), nil
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Minute
	}
	if env.Rank == 0 {
		return ListenAndHost(ctx, env.Address(), env.WorldSize, opts)
	}
	return Dial(ctx, env.Address(), env.Rank, env.WorldSize, opts)
}
