package dist

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vos3d/internal/tensor"
)

func startGroup(t *testing.T, world int) []*Group {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	groups := make([]*Group, world)
	errs := make([]error, world)
	var wg sync.WaitGroup
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			opts := Options{
				MasterAddr: "127.0.0.1",
				MasterPort: port,
				Rank:       rank,
				WorldSize:  world,
				Backoff:    BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 100 * time.Millisecond},
			}
			if rank == 0 {
				opts.Listener = ln
			}
			groups[rank], errs[rank] = Init(ctx, opts)
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
	t.Cleanup(func() {
		for _, g := range groups {
			g.Destroy()
		}
	})
	return groups
}

// each runs fn concurrently on every rank and returns the per-rank errors.
func each(groups []*Group, fn func(g *Group) error) []error {
	errs := make([]error, len(groups))
	var wg sync.WaitGroup
	for i, g := range groups {
		wg.Add(1)
		go func(i int, g *Group) {
			defer wg.Done()
			errs[i] = fn(g)
		}(i, g)
	}
	wg.Wait()
	return errs
}

func TestLoopbackGroupCollectives(t *testing.T) {
	groups := startGroup(t, 3)
	for rank, g := range groups {
		assert.Equal(t, rank, g.Rank())
		assert.Equal(t, 3, g.WorldSize())
		assert.Equal(t, rank == 0, g.IsMainProcess())
		assert.Equal(t, groups[0].ID(), g.ID())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sums := make([][]float32, 3)
	for _, err := range each(groups, func(g *Group) error {
		data := []float32{float32(g.Rank() + 1), 10 * float32(g.Rank())}
		sums[g.Rank()] = data
		return g.AllReduceSum(ctx, data)
	}) {
		require.NoError(t, err)
	}
	for _, s := range sums {
		assert.Equal(t, []float32{6, 30}, s)
	}

	for _, err := range each(groups, func(g *Group) error { return Synchronize(ctx, g) }) {
		require.NoError(t, err)
	}

	means := make([]*tensor.Tensor, 3)
	inputs := make([]*tensor.Tensor, 3)
	for _, err := range each(groups, func(g *Group) error {
		in := tensor.FromData([]float32{float32(g.Rank()), 3}, 2)
		inputs[g.Rank()] = in
		out, err := ReduceMean(ctx, g, in, 3)
		means[g.Rank()] = out
		return err
	}) {
		require.NoError(t, err)
	}
	for rank, m := range means {
		assert.Equal(t, []float32{1, 3}, m.Data())
		assert.Equal(t, float32(rank), inputs[rank].Data()[0])
	}
}

func TestDestroyTwiceFails(t *testing.T) {
	g, err := Init(context.Background(), Options{WorldSize: 1})
	require.NoError(t, err)
	require.NoError(t, g.Destroy())
	assert.ErrorIs(t, g.Destroy(), ErrNotInitialized)
	assert.ErrorIs(t, g.AllReduceSum(context.Background(), []float32{1}), ErrNotInitialized)
	assert.NoError(t, Synchronize(context.Background(), g))
}

func TestNilGroupDegrades(t *testing.T) {
	var g *Group
	assert.Equal(t, 0, g.Rank())
	assert.Equal(t, 1, g.WorldSize())
	assert.True(t, g.IsMainProcess())
	assert.NoError(t, Synchronize(context.Background(), g))

	assert.ErrorIs(t, g.Destroy(), ErrNotInitialized)
	assert.ErrorIs(t, g.AllReduceSum(context.Background(), []float32{1}), ErrNotInitialized)
	_, err := ReduceMean(context.Background(), g, tensor.Scalar(1), 1)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestSingleRankReduceIsIdentity(t *testing.T) {
	g, err := Init(context.Background(), Options{WorldSize: 1})
	require.NoError(t, err)
	defer g.Destroy()

	out, err := ReduceMean(context.Background(), g, tensor.FromData([]float32{2, 4}, 2), 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4}, out.Data())
}

func TestInitRejectsBadRank(t *testing.T) {
	_, err := Init(context.Background(), Options{Rank: 2, WorldSize: 2})
	assert.ErrorIs(t, err, ErrInvalidRank)
}

func TestJoinGivesUpWhenContextEnds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = Init(ctx, Options{
		MasterAddr: "127.0.0.1",
		MasterPort: port,
		Rank:       1,
		WorldSize:  2,
		Backoff:    BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2},
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv(EnvMasterAddr, "10.0.0.1")
	t.Setenv(EnvMasterPort, "29500")
	t.Setenv(EnvRank, "2")
	t.Setenv(EnvWorldSize, "4")

	opts, err := OptionsFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", opts.MasterAddr)
	assert.Equal(t, 29500, opts.MasterPort)
	assert.Equal(t, 2, opts.Rank)
	assert.Equal(t, 4, opts.WorldSize)

	t.Setenv(EnvRank, "two")
	_, err = OptionsFromEnv()
	assert.Error(t, err)
}

func TestFrameRoundTripAndMagic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, opReduce, 7, encodeFloats([]float32{1.5, -2})))
	assert.Equal(t, headerLen+8, buf.Len())

	f, err := expect(&buf, opReduce, 7)
	require.NoError(t, err)
	got := make([]float32, 2)
	require.NoError(t, decodeFloats(f.Payload, got))
	assert.Equal(t, []float32{1.5, -2}, got)

	require.NoError(t, writeFrame(&buf, opBarrier, 8, nil))
	_, err = expect(&buf, opBarrier, 9)
	assert.ErrorIs(t, err, ErrUnexpectedFrame)

	buf.Write(make([]byte, headerLen))
	_, err = readFrame(&buf)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestDialRetryGrowsAndCaps(t *testing.T) {
	r := newDialRetry(BackoffConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}, nil)
	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, r.next())
	}
	assert.Equal(t, []time.Duration{
		250 * time.Millisecond, 500 * time.Millisecond, time.Second, time.Second, time.Second,
	}, got)

	jittered := newDialRetry(BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 0.5, Jitter: true}, nil)
	assert.Equal(t, 100*time.Millisecond, jittered.next())
	assert.Equal(t, 100*time.Millisecond, jittered.next())

	assert.Zero(t, newDialRetry(BackoffConfig{}, nil).next())
}
