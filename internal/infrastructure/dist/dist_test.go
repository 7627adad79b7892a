package dist

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StOnEGiggity/ViLCo/internal/domain/continual"
)

func TestSingle(t *testing.T) {
	c := NewSingle()
	v := []float64{1, 2}
	require.NoError(t, c.AllReduceSum(context.Background(), v))
	assert.Equal(t, []float64{1, 2}, v)
	assert.True(t, c.IsLeader())
	assert.Equal(t, 1, c.WorldSize())
	require.NoError(t, c.Barrier(context.Background()))
}

func TestGroupAllReduce(t *testing.T) {
	var mu sync.Mutex
	results := map[int][]float64{}

	err := Launch(context.Background(), 3, func(ctx context.Context, c Coordinator) error {
		for step := 0; step < 5; step++ {
			v := []float64{float64(c.Rank()), float64(step)}
			if err := c.AllReduceSum(ctx, v); err != nil {
				return err
			}
			if err := c.Barrier(ctx); err != nil {
				return err
			}
			mu.Lock()
			results[c.Rank()] = v
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)
	for rank := 0; rank < 3; rank++ {
		assert.Equal(t, []float64{3, 12}, results[rank])
	}
}

func TestGroupDetectsMismatch(t *testing.T) {
	err := Launch(context.Background(), 2, func(ctx context.Context, c Coordinator) error {
		if c.Rank() == 0 {
			return c.Barrier(ctx)
		}
		return c.AllReduceSum(ctx, []float64{1})
	})
	assert.ErrorIs(t, err, continual.ErrCollectiveMismatch)

	err = Launch(context.Background(), 2, func(ctx context.Context, c Coordinator) error {
		return c.AllReduceSum(ctx, make([]float64, c.Rank()+1))
	})
	assert.ErrorIs(t, err, continual.ErrCollectiveMismatch)
}

func TestGroupFailureReleasesOtherRanks(t *testing.T) {
	err := Launch(context.Background(), 2, func(ctx context.Context, c Coordinator) error {
		if c.Rank() == 1 {
			return assert.AnError
		}
		return c.Barrier(ctx)
	})
	assert.ErrorIs(t, err, assert.AnError)
}

func param(name string, hasGrad bool, grad ...float64) *continual.Param {
	return &continual.Param{Name: name, Value: make([]float64, len(grad)), Grad: grad, HasGrad: hasGrad}
}

func TestDDPAveragesGradients(t *testing.T) {
	var mu sync.Mutex
	got := map[int][]*continual.Param{}

	err := Launch(context.Background(), 2, func(ctx context.Context, c Coordinator) error {
		r := float64(c.Rank())
		params := []*continual.Param{
			param("a", true, 1+r, 2+r),
			param("b", c.Rank() == 0, 4, 4),
			param("c", false, 0),
		}
		if err := NewDDP(c, true).Sync(ctx, params); err != nil {
			return err
		}
		mu.Lock()
		got[c.Rank()] = params
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for rank := 0; rank < 2; rank++ {
		p := got[rank]
		assert.Equal(t, []float64{1.5, 2.5}, p[0].Grad)
		assert.True(t, p[0].HasGrad)
		assert.Equal(t, []float64{2, 2}, p[1].Grad)
		assert.True(t, p[1].HasGrad)
		assert.False(t, p[2].HasGrad)
	}
}

func TestDDPRejectsUnusedParameters(t *testing.T) {
	err := Launch(context.Background(), 2, func(ctx context.Context, c Coordinator) error {
		params := []*continual.Param{param("head", c.Rank() == 0, 1)}
		return NewDDP(c, false).Sync(ctx, params)
	})
	assert.ErrorIs(t, err, continual.ErrUnusedParameter)

	err = NewDDP(NewSingle(), false).Sync(context.Background(), []*continual.Param{param("head", false, 0)})
	assert.ErrorIs(t, err, continual.ErrUnusedParameter)
}

func TestRemoteAllReduce(t *testing.T) {
	const world = 3
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	opts := RemoteOptions{ConnectTimeout: 10 * time.Second, RetryInterval: 20 * time.Millisecond}

	coords := make([]Coordinator, world)
	var wg sync.WaitGroup
	errs := make([]error, world)
	wg.Add(world)
	go func() {
		defer wg.Done()
		coords[0], errs[0] = Host(ctx, ln, world, opts)
	}()
	for rank := 1; rank < world; rank++ {
		go func(rank int) {
			defer wg.Done()
			coords[rank], errs[rank] = Dial(ctx, addr, rank, world, opts)
		}(rank)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	results := make([][]float64, world)
	wg.Add(world)
	for rank := 0; rank < world; rank++ {
		go func(rank int) {
			defer wg.Done()
			c := coords[rank]
			v := []float64{float64(rank), 0.5}
			if errs[rank] = c.AllReduceSum(ctx, v); errs[rank] != nil {
				return
			}
			if errs[rank] = c.Barrier(ctx); errs[rank] != nil {
				return
			}
			results[rank] = v
		}(rank)
	}
	wg.Wait()
	for rank := 0; rank < world; rank++ {
		require.NoError(t, errs[rank])
		assert.Equal(t, []float64{3, 1.5}, results[rank])
		assert.Equal(t, rank == 0, coords[rank].IsLeader())
	}

	for rank := world - 1; rank >= 0; rank-- {
		coords[rank].Close()
	}
}

func TestRemoteCollectiveHonorsCancellation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	opts := RemoteOptions{ConnectTimeout: 10 * time.Second, RetryInterval: 20 * time.Millisecond}

	var leader, worker Coordinator
	var hostErr, dialErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		leader, hostErr = Host(ctx, ln, 2, opts)
	}()
	go func() {
		defer wg.Done()
		worker, dialErr = Dial(ctx, addr, 1, 2, opts)
	}()
	wg.Wait()
	require.NoError(t, hostErr)
	require.NoError(t, dialErr)
	defer worker.Close()
	defer leader.Close()

	// the worker never joins, so only cancellation ends the collective
	cctx, ccancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer ccancel()
	start := time.Now()
	err = leader.AllReduceSum(cctx, []float64{1})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("RANK", "")
	t.Setenv("LOCAL_RANK", "")
	t.Setenv("WORLD_SIZE", "")
	t.Setenv("MASTER_ADDR", "")
	t.Setenv("MASTER_PORT", "")

	env, err := FromEnv(-1)
	require.NoError(t, err)
	assert.Equal(t, Env{WorldSize: 1, MasterAddr: DefaultMasterAddr, MasterPort: DefaultMasterPort}, env)

	t.Setenv("WORLD_SIZE", "4")
	t.Setenv("MASTER_ADDR", "10.0.0.1")
	t.Setenv("MASTER_PORT", "1234")
	env, err = FromEnv(2)
	require.NoError(t, err)
	assert.Equal(t, 2, env.Rank)
	assert.Equal(t, "10.0.0.1:1234", env.Address())

	t.Setenv("RANK", "9")
	_, err = FromEnv(-1)
	assert.Error(t, err)

	t.Setenv("RANK", "x")
	_, err = FromEnv(-1)
	assert.Error(t, err)
}
