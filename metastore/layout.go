package metastore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/hupe1980/hybridcache/codec"
	"github.com/hupe1980/hybridcache/internal/fs"
)

// LayoutFileName is the file in a FileStore root that pins its layout.
const LayoutFileName = "layout.json"

const layoutVersion = 1

// ErrLayoutMismatch is returned when a root was built with a different
// shard count. Keys are routed by shard count, so reopening with another
// count would strand every existing entry.
var ErrLayoutMismatch = errors.New("metastore: root layout mismatch")

type layout struct {
	Version    int `json:"version"`
	ShardCount int `json:"shard_count"`
}

// checkLayout compares the layout recorded in dir with shardCount and
// records it when the root has none yet. Roots created before the layout
// file existed are recognised by their shard directories.
func checkLayout(fsys fs.FileSystem, dir string, shardCount int) error {
	path := filepath.Join(dir, LayoutFileName)

	data, err := fsys.ReadFile(path)
	switch {
	case err == nil:
		var l layout
		if err := codec.Default.Unmarshal(data, &l); err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if l.Version != layoutVersion {
			return fmt.Errorf("%w: layout version %d (expected %d)", ErrLayoutMismatch, l.Version, layoutVersion)
		}
		if l.ShardCount != shardCount {
			return fmt.Errorf("%w: root has %d shards, configured %d", ErrLayoutMismatch, l.ShardCount, shardCount)
		}
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	existing, err := countShardDirs(fsys, dir)
	if err != nil {
		return err
	}
	if existing > 0 && existing != shardCount {
		return fmt.Errorf("%w: root has %d shard directories, configured %d", ErrLayoutMismatch, existing, shardCount)
	}

	data, err = codec.Default.Marshal(layout{Version: layoutVersion, ShardCount: shardCount})
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func countShardDirs(fsys fs.FileSystem, dir string) (int, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "shard-") {
			n++
		}
	}
	return n, nil
}
