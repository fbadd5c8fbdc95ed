package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
)

// ErrEmptyPass is reported when a whole pass over the shards yields no clip.
var ErrEmptyPass = errors.New("sampler: pass yielded no clips")

// SamplerOptions configures the multi-root sampler.
type SamplerOptions struct {
	Roots      map[string][]string
	Seed       int64
	NumWorkers int
	PendingCap int
	// Passes bounds the number of sweeps over the shards. Zero streams
	// until the context ends.
	Passes int
}

// StartSampler launches the multi-root clip pipeline.
//
// Each pass visits every shard once, alternating between roots, with the
// shards of each root shuffled by a generator seeded from Seed. NumWorkers
// goroutines open shards concurrently, but clips are forwarded strictly in
// schedule order, so a fixed Seed yields a fixed clip sequence regardless
// of worker timing. The clip channel closes after the last pass, or when
// ctx ends. A pass that yields no clip ends the stream with ErrEmptyPass.
func StartSampler(parent context.Context, opts SamplerOptions) (<-chan Clip, <-chan error, error) {
	if len(opts.Roots) == 0 {
		return nil, nil, errors.New("sampler: no dataset roots provided")
	}
	total := 0
	for _, shards := range opts.Roots {
		total += len(shards)
	}
	if total == 0 {
		return nil, nil, errors.New("sampler: no shards discovered")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}

	ctx, cancel := context.WithCancel(parent)
	tasks := make(chan shardTask, opts.NumWorkers)
	opened := make(chan openShard, opts.NumWorkers)
	out := make(chan Clip, opts.NumWorkers*2)
	errCh := make(chan error, 1)

	go schedule(ctx, tasks, opts.Roots, opts.Passes, rand.New(rand.NewSource(opts.Seed)))

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			openShards(ctx, tasks, opened, opts.PendingCap)
		}()
	}
	go func() {
		wg.Wait()
		close(opened)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		if err := forwardInOrder(ctx, opened, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh, nil
}

// shardTask is one scheduled visit of a shard. seq is its global position
// in the schedule.
type shardTask struct {
	seq  int64
	pass int
	root string
	path string
}

type openShard struct {
	shardTask
	clips <-chan Clip
	errs  <-chan error
}

func openShards(ctx context.Context, tasks <-chan shardTask, opened chan<- openShard, pendingCap int) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-tasks:
			if !ok {
				return
			}
			clips, errs := StreamShard(ctx, task.path, pendingCap)
			select {
			case <-ctx.Done():
				return
			case opened <- openShard{shardTask: task, clips: clips, errs: errs}:
			}
		}
	}
}

// forwardInOrder emits the clips of opened shards by ascending seq. Shards
// that open early wait in a reorder buffer until their turn.
func forwardInOrder(ctx context.Context, opened <-chan openShard, out chan<- Clip) error {
	waiting := make(map[int64]openShard)
	var next int64
	pass, emitted := 0, 0
	for {
		shard, ready := waiting[next]
		if !ready {
			select {
			case <-ctx.Done():
				return nil
			case s, ok := <-opened:
				if !ok {
					if next > 0 && emitted == 0 {
						return fmt.Errorf("%w: pass %d", ErrEmptyPass, pass)
					}
					return nil
				}
				waiting[s.seq] = s
			}
			continue
		}
		delete(waiting, next)
		next++

		if shard.pass != pass {
			if emitted == 0 {
				return fmt.Errorf("%w: pass %d", ErrEmptyPass, pass)
			}
			pass, emitted = shard.pass, 0
		}
		n, ok := forwardShard(ctx, shard, out)
		emitted += n
		if !ok {
			return nil
		}
		if err := <-shard.errs; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
}

// forwardShard stamps and forwards every clip of s and returns how many it
// sent. It reports false when ctx ends first.
func forwardShard(ctx context.Context, s openShard, out chan<- Clip) (int, bool) {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n, false
		case clip, ok := <-s.clips:
			if !ok {
				return n, true
			}
			clip.Shard = s.path
			clip.Pass = s.pass
			select {
			case <-ctx.Done():
				return n, false
			case out <- clip:
				n++
			}
		}
	}
}

// schedule queues passes over the shards until passes is reached (never
// when passes is zero), then closes tasks.
func schedule(ctx context.Context, tasks chan<- shardTask, roots map[string][]string, passes int, rng *rand.Rand) {
	defer close(tasks)
	var seq int64
	for pass := 0; passes <= 0 || pass < passes; pass++ {
		for _, entry := range interleaveRoots(roots, rng) {
			task := shardTask{seq: seq, pass: pass, root: entry.root, path: entry.path}
			select {
			case <-ctx.Done():
				return
			case tasks <- task:
				seq++
			}
		}
	}
}

type orderEntry struct {
	root string
	path string
}

// interleaveRoots shuffles each root's shards and takes one shard per
// root in turn until all are used. Roots are visited in sorted order.
func interleaveRoots(roots map[string][]string, rng *rand.Rand) []orderEntry {
	names := make([]string, 0, len(roots))
	for root, shards := range roots {
		if len(shards) > 0 {
			names = append(names, root)
		}
	}
	sort.Strings(names)

	shuffled := make([][]string, len(names))
	longest := 0
	for i, root := range names {
		s := append([]string(nil), roots[root]...)
		if rng != nil {
			rng.Shuffle(len(s), func(a, b int) { s[a], s[b] = s[b], s[a] })
		}
		shuffled[i] = s
		if len(s) > longest {
			longest = len(s)
		}
	}

	var order []orderEntry
	for k := 0; k < longest; k++ {
		for i, root := range names {
			if k < len(shuffled[i]) {
				order = append(order, orderEntry{root: root, path: shuffled[i][k]})
			}
		}
	}
	return order
}
