package dist

import (
	"context"
	"encoding/binary"
	"math/rand"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Environment variables read by OptionsFromEnv.
const (
	EnvMasterAddr = "MASTER_ADDR"
	EnvMasterPort = "MASTER_PORT"
	EnvRank       = "RANK"
	EnvWorldSize  = "WORLD_SIZE"
)

var (
	// ErrNotInitialized is returned by operations that need a live group.
	ErrNotInitialized = errors.New("dist: process group not initialized")
	ErrInvalidRank    = errors.New("dist: invalid rank or world size")
)

// Options configure Init.
type Options struct {
	MasterAddr string
	MasterPort int
	Rank       int
	WorldSize  int
	// Listener, when set, is used by rank 0 instead of listening on
	// MasterAddr:MasterPort.
	Listener    net.Listener
	DialTimeout time.Duration
	Backoff     BackoffConfig
	Logger      *zerolog.Logger
}

// OptionsFromEnv reads the env:// rendezvous variables. Missing RANK and
// WORLD_SIZE mean a single-process group.
func OptionsFromEnv() (Options, error) {
	opts := Options{
		MasterAddr: os.Getenv(EnvMasterAddr),
		WorldSize:  1,
		Backoff:    DefaultBackoff(),
	}
	if opts.MasterAddr == "" {
		opts.MasterAddr = "127.0.0.1"
	}
	ints := []struct {
		key string
		dst *int
	}{
		{EnvMasterPort, &opts.MasterPort},
		{EnvRank, &opts.Rank},
		{EnvWorldSize, &opts.WorldSize},
	}
	for _, kv := range ints {
		raw := os.Getenv(kv.key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Options{}, errors.Wrapf(err, "dist: parse %s", kv.key)
		}
		*kv.dst = v
	}
	return opts, nil
}

// Group is a handle on an initialized process group. Collectives are
// issued in the same order on every rank; a Group is not safe for
// concurrent collectives.
type Group struct {
	id    uuid.UUID
	rank  int
	world int
	log   zerolog.Logger

	mu        sync.Mutex
	seq       uint32
	peers     []net.Conn // rank 0 only, indexed by rank
	master    net.Conn   // ranks > 0 only
	ln        net.Listener
	destroyed bool
}

// Init joins the process group described by opts and blocks until every
// rank has joined or ctx is done.
func Init(ctx context.Context, opts Options) (*Group, error) {
	if opts.WorldSize < 1 || opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return nil, errors.Wrapf(ErrInvalidRank, "rank=%d world_size=%d", opts.Rank, opts.WorldSize)
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	g := &Group{
		rank:  opts.Rank,
		world: opts.WorldSize,
		log:   log.With().Str("component", "dist").Int("rank", opts.Rank).Logger(),
	}

	var err error
	switch {
	case opts.WorldSize == 1:
		g.id = uuid.New()
	case opts.Rank == 0:
		err = g.serve(ctx, opts)
	default:
		err = g.join(ctx, opts)
	}
	if err != nil {
		return nil, err
	}
	g.log.Info().Str("group", g.id.String()).Int("world_size", g.world).Msg("process group initialized")
	return g, nil
}

func (g *Group) serve(ctx context.Context, opts Options) error {
	ln := opts.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", net.JoinHostPort(opts.MasterAddr, strconv.Itoa(opts.MasterPort)))
		if err != nil {
			return errors.Wrap(err, "dist: listen")
		}
	}
	g.ln = ln
	g.id = uuid.New()
	g.peers = make([]net.Conn, g.world)

	var mu sync.Mutex
	var accepted []net.Conn
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range accepted {
			c.Close()
		}
	})

	fail := func(err error) error {
		if stop() {
			ln.Close()
			mu.Lock()
			for _, c := range accepted {
				c.Close()
			}
			mu.Unlock()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrap(ctxErr, "dist: rendezvous")
		}
		return err
	}

	for joined := 1; joined < g.world; joined++ {
		conn, err := ln.Accept()
		if err != nil {
			return fail(errors.Wrap(err, "dist: accept"))
		}
		mu.Lock()
		accepted = append(accepted, conn)
		mu.Unlock()

		hello, err := expect(conn, opHello, 0)
		if err != nil {
			return fail(errors.Wrap(err, "dist: read hello"))
		}
		if len(hello.Payload) != 4 {
			return fail(errors.Wrapf(ErrUnexpectedFrame, "hello payload %d bytes", len(hello.Payload)))
		}
		peer := int(binary.BigEndian.Uint32(hello.Payload))
		if peer <= 0 || peer >= g.world || g.peers[peer] != nil {
			return fail(errors.Wrapf(ErrInvalidRank, "peer announced rank %d", peer))
		}
		g.peers[peer] = conn
		g.log.Debug().Int("peer", peer).Str("remote", conn.RemoteAddr().String()).Msg("peer joined")
	}

	id := g.id[:]
	for peer := 1; peer < g.world; peer++ {
		if err := writeFrame(g.peers[peer], opWelcome, 0, id); err != nil {
			return fail(errors.Wrapf(err, "dist: welcome rank %d", peer))
		}
	}
	if !stop() {
		return fail(ctx.Err())
	}
	return nil
}

func (g *Group) join(ctx context.Context, opts Options) error {
	addr := net.JoinHostPort(opts.MasterAddr, strconv.Itoa(opts.MasterPort))
	dialer := net.Dialer{Timeout: opts.DialTimeout}
	retry := newDialRetry(opts.Backoff, rand.New(rand.NewSource(int64(opts.Rank)+time.Now().UnixNano())))

	var conn net.Conn
	for attempt := 1; ; attempt++ {
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn = c
			break
		}
		delay := retry.next()
		g.log.Debug().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("dial master")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrapf(ctx.Err(), "dist: dial %s", addr)
		case <-timer.C:
		}
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	hello := make([]byte, 4)
	binary.BigEndian.PutUint32(hello, uint32(opts.Rank))
	if err := writeFrame(conn, opHello, 0, hello); err != nil {
		stop()
		conn.Close()
		return errors.Wrap(err, "dist: send hello")
	}
	welcome, err := expect(conn, opWelcome, 0)
	if err == nil {
		g.id, err = uuid.FromBytes(welcome.Payload)
	}
	if !stop() {
		return errors.Wrap(ctx.Err(), "dist: rendezvous")
	}
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "dist: read welcome")
	}
	g.master = conn
	return nil
}

// Rank is the caller's index in the group, 0 for a nil group.
func (g *Group) Rank() int {
	if g == nil {
		return 0
	}
	return g.rank
}

// WorldSize is the number of ranks, 1 for a nil group.
func (g *Group) WorldSize() int {
	if g == nil {
		return 1
	}
	return g.world
}

// IsMainProcess reports whether the caller is rank 0.
func (g *Group) IsMainProcess() bool {
	return g.Rank() == 0
}

// ID is the group identifier chosen by rank 0.
func (g *Group) ID() uuid.UUID {
	if g == nil {
		return uuid.Nil
	}
	return g.id
}

// Synchronize blocks until every rank reaches the barrier. It is a no-op
// for a nil, destroyed or single-rank group.
func Synchronize(ctx context.Context, g *Group) error {
	if g == nil || g.WorldSize() == 1 {
		return nil
	}
	g.mu.Lock()
	destroyed := g.destroyed
	g.mu.Unlock()
	if destroyed {
		return nil
	}
	return g.Barrier(ctx)
}

// Barrier blocks until every rank has called it.
func (g *Group) Barrier(ctx context.Context) error {
	_, err := g.collective(ctx, opBarrier, opRelease, nil)
	return err
}

// AllReduceSum replaces data on every rank with the element-wise sum
// over all ranks. Rank 0 adds contributions in rank order.
func (g *Group) AllReduceSum(ctx context.Context, data []float32) error {
	out, err := g.collective(ctx, opReduce, opReduced, data)
	if err != nil {
		return err
	}
	copy(data, out)
	return nil
}

// Destroy closes the group's connections. Calling it on a nil or already
// destroyed group returns ErrNotInitialized.
func (g *Group) Destroy() error {
	if g == nil {
		return ErrNotInitialized
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return ErrNotInitialized
	}
	g.destroyed = true
	g.log.Info().Msg("destroying distributed processes")

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, c := range g.peers {
		if c != nil {
			keep(c.Close())
		}
	}
	if g.master != nil {
		keep(g.master.Close())
	}
	if g.ln != nil {
		keep(g.ln.Close())
	}
	if first != nil {
		return errors.Wrap(first, "dist: destroy")
	}
	return nil
}

// collective gathers payloads at rank 0, sums them and sends the result
// back to every rank.
func (g *Group) collective(ctx context.Context, up, down op, data []float32) ([]float32, error) {
	if g == nil {
		return nil, ErrNotInitialized
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return nil, ErrNotInitialized
	}
	if g.world == 1 {
		return data, nil
	}
	g.seq++
	seq := g.seq

	conns := g.peers
	if g.rank != 0 {
		conns = []net.Conn{g.master}
	}
	release := watch(ctx, conns)
	out, err := g.exchange(up, down, seq, data)
	if !release() {
		return nil, errors.Wrapf(ctx.Err(), "dist: %s", up)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dist: %s seq=%d", up, seq)
	}
	return out, nil
}

func (g *Group) exchange(up, down op, seq uint32, data []float32) ([]float32, error) {
	if g.rank != 0 {
		if err := writeFrame(g.master, up, seq, encodeFloats(data)); err != nil {
			return nil, err
		}
		f, err := expect(g.master, down, seq)
		if err != nil {
			return nil, err
		}
		out := make([]float32, len(data))
		return out, decodeFloats(f.Payload, out)
	}

	acc := append([]float32(nil), data...)
	part := make([]float32, len(data))
	for peer := 1; peer < g.world; peer++ {
		f, err := expect(g.peers[peer], up, seq)
		if err != nil {
			return nil, errors.Wrapf(err, "rank %d", peer)
		}
		if err := decodeFloats(f.Payload, part); err != nil {
			return nil, errors.Wrapf(err, "rank %d", peer)
		}
		for i, v := range part {
			acc[i] += v
		}
	}
	payload := encodeFloats(acc)
	for peer := 1; peer < g.world; peer++ {
		if err := writeFrame(g.peers[peer], down, seq, payload); err != nil {
			return nil, errors.Wrapf(err, "rank %d", peer)
		}
	}
	return acc, nil
}

// watch applies ctx's deadline to conns and unblocks them when ctx is
// cancelled. release clears the deadlines and reports whether ctx was
// still live.
func watch(ctx context.Context, conns []net.Conn) (release func() bool) {
	dl, hasDeadline := ctx.Deadline()
	for _, c := range conns {
		if c != nil && hasDeadline {
			c.SetDeadline(dl)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		for _, c := range conns {
			if c != nil {
				c.SetDeadline(time.Unix(1, 0))
			}
		}
	})
	return func() bool {
		live := stop()
		for _, c := range conns {
			if c != nil {
				c.SetDeadline(time.Time{})
			}
		}
		return live && ctx.Err() == nil
	}
}
