package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Clip is one video clip assembled from a WebDataset shard. Frames and
// Masks are encoded images in frame order.
type Clip struct {
	Key    string
	Frames [][]byte
	Masks  [][]byte

	// Shard is the path of the tar the clip was read from; Pass counts
	// completed sweeps over the sampler's shards.
	Shard string
	Pass  int
}

// Len is the number of frames in the clip.
func (c Clip) Len() int { return len(c.Frames) }

var (
	// ErrPendingOverflow indicates the assembly map exceeded the configured bound.
	ErrPendingOverflow = errors.New("webdataset: pending clip buffer exceeded")
	ErrBadEntry        = errors.New("webdataset: malformed entry name")
)

const defaultPendingCap = 1024

// StreamShard streams complete clips from the shard at path. A clip is
// complete once its .len entry and every frame and mask it announces
// have been read.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Clip, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Clip)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- fmt.Errorf("open shard: %w", err)
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			if ctx != nil {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- fmt.Errorf("read tar: %w", err)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			entry, ok, err := parseEntry(filepath.Base(hdr.Name))
			if err != nil {
				errCh <- err
				return
			}
			if !ok {
				continue
			}
			payload, err := io.ReadAll(tr)
			if err != nil {
				errCh <- fmt.Errorf("read %s: %w", hdr.Name, err)
				return
			}

			part := pending[entry.key]
			if part == nil {
				part = &partial{frames: map[int][]byte{}, masks: map[int][]byte{}, length: -1}
				pending[entry.key] = part
			}
			switch entry.kind {
			case entryFrame:
				part.frames[entry.index] = payload
			case entryMask:
				part.masks[entry.index] = payload
			case entryLen:
				n, err := strconv.Atoi(strings.TrimSpace(string(payload)))
				if err != nil || n <= 0 {
					errCh <- fmt.Errorf("parse length %s: %q", hdr.Name, payload)
					return
				}
				part.length = n
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part.ready() {
				clip := part.clip(entry.key)
				delete(pending, entry.key)

				if ctx != nil {
					select {
					case <-ctx.Done():
						errCh <- ctx.Err()
						return
					case out <- clip:
					}
				} else {
					out <- clip
				}
			}
		}

		if len(pending) > 0 {
			errCh <- fmt.Errorf("%d clips incomplete", len(pending))
		}
	}()

	return out, errCh
}

type entryKind int

const (
	entryFrame entryKind = iota
	entryMask
	entryLen
)

type entry struct {
	key   string
	index int
	kind  entryKind
}

// parseEntry splits "<key>.<t>.jpg", "<key>.<t>.mask.png" and
// "<key>.len". Unknown extensions report ok=false.
func parseEntry(name string) (entry, bool, error) {
	ext := strings.ToLower(filepath.Ext(name))
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	switch ext {
	case ".len":
		return entry{key: stem, kind: entryLen}, true, nil
	case ".jpg", ".jpeg", ".png":
	default:
		return entry{}, false, nil
	}

	kind := entryFrame
	if strings.HasSuffix(stem, ".mask") {
		kind = entryMask
		stem = strings.TrimSuffix(stem, ".mask")
	}
	dot := strings.LastIndexByte(stem, '.')
	if dot <= 0 {
		return entry{}, false, fmt.Errorf("%w: %s", ErrBadEntry, name)
	}
	index, err := strconv.Atoi(stem[dot+1:])
	if err != nil || index < 0 {
		return entry{}, false, fmt.Errorf("%w: %s", ErrBadEntry, name)
	}
	return entry{key: stem[:dot], index: index, kind: kind}, true, nil
}

type partial struct {
	frames map[int][]byte
	masks  map[int][]byte
	length int
}

func (p *partial) ready() bool {
	if p.length < 0 || len(p.frames) != p.length || len(p.masks) != p.length {
		return false
	}
	for t := 0; t < p.length; t++ {
		if p.frames[t] == nil || p.masks[t] == nil {
			return false
		}
	}
	return true
}

func (p *partial) clip(key string) Clip {
	c := Clip{Key: key, Frames: make([][]byte, p.length), Masks: make([][]byte, p.length)}
	for t := 0; t < p.length; t++ {
		c.Frames[t] = p.frames[t]
		c.Masks[t] = p.masks[t]
	}
	return c
}
