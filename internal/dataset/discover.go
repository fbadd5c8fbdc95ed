package dataset

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// Clip shards are named shard-NNNNNN.tar or clips-NNNNNN.tar.
var shardRegexp = regexp.MustCompile(`^(?:shard|clips)-([0-9]{6,})\.tar$`)

// ShardIndex returns the number embedded in a shard file name.
func ShardIndex(name string) (int, bool) {
	m := shardRegexp.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// DiscoverShards returns the clip shard paths beneath root ordered by
// shard index, then by path for shards sharing an index.
func DiscoverShards(root string) ([]string, error) {
	type found struct {
		index int
		path  string
	}
	var shards []found
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if idx, ok := ShardIndex(d.Name()); ok {
			shards = append(shards, found{index: idx, path: path})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover shards under %s: %w", root, err)
	}
	sort.Slice(shards, func(i, j int) bool {
		if shards[i].index != shards[j].index {
			return shards[i].index < shards[j].index
		}
		return shards[i].path < shards[j].path
	})
	paths := make([]string, len(shards))
	for i, s := range shards {
		paths[i] = s.path
	}
	return paths, nil
}

// DiscoverByRoot scans each root independently. Empty root paths are
// skipped, so an unset second training root is allowed; a root that is
// set but missing is an error.
func DiscoverByRoot(roots []string) (map[string][]string, error) {
	result := make(map[string][]string, len(roots))
	for _, root := range roots {
		if root == "" {
			continue
		}
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("dataset root: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("dataset root %s is not a directory", root)
		}
		shards, err := DiscoverShards(root)
		if err != nil {
			return nil, err
		}
		result[root] = shards
	}
	return result, nil
}
