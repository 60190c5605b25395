package cache

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chunkfs/chunkfs/internal/digest"
	"github.com/chunkfs/chunkfs/pkg/errors"
	"github.com/chunkfs/chunkfs/pkg/types"
)

// DiskConfig configures the durable backing store.
type DiskConfig struct {
	// Directory holds one file per cached chunk plus the index.
	Directory string `yaml:"directory"`

	// MaxSize is the on-disk byte budget. Zero means unbounded.
	MaxSize int64 `yaml:"max_size"`
}

const diskIndexFile = "chunk-index.json"

type diskItem struct {
	Digest     types.Digest `json:"digest"`
	Size       int64        `json:"size"`
	AccessTime time.Time    `json:"access_time"`
}

// DiskStore persists verified decompressed chunks across cache reopens.
// Presence in the index is never trusted on its own: every load
// re-verifies the chunk digest and drops mismatching files, so a stale
// or tampered cache directory degrades to misses, never to wrong bytes.
type DiskStore struct {
	dir     string
	maxSize int64
	logger  *slog.Logger

	mu          sync.Mutex
	index       map[types.Digest]*diskItem
	currentSize int64
}

// NewDiskStore opens (or creates) the store directory and loads its index.
func NewDiskStore(cfg DiskConfig, logger *slog.Logger) (*DiskStore, error) {
	if cfg.Directory == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "disk cache requires a directory")
	}
	if err := os.MkdirAll(cfg.Directory, 0o750); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "creating cache directory failed", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &DiskStore{
		dir:     cfg.Directory,
		maxSize: cfg.MaxSize,
		logger:  logger,
		index:   make(map[types.Digest]*diskItem),
	}
	d.loadIndex()
	return d, nil
}

// Load reads and digest-verifies one chunk. A missing, short, or corrupt
// file is removed and reported as a miss.
func (d *DiskStore) Load(dg types.Digest, uncompressedSize int64) ([]byte, bool) {
	d.mu.Lock()
	item, ok := d.index[dg]
	if ok {
		item.AccessTime = time.Now()
	}
	d.mu.Unlock()
	if !ok {
		return nil, false
	}

	data, err := os.ReadFile(d.pathFor(dg))
	if err != nil || int64(len(data)) != uncompressedSize || digest.Verify(data, dg) != nil {
		if err == nil {
			d.logger.Warn("dropping invalid disk cache entry", "digest", dg)
		}
		d.remove(dg)
		return nil, false
	}
	return data, true
}

// Store writes one verified chunk and evicts least-recently-used files
// past the byte budget. Write errors degrade to a warning; the disk
// store is an optimization, not a source of truth.
func (d *DiskStore) Store(dg types.Digest, data []byte) {
	path := d.pathFor(dg)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		d.logger.Warn("disk cache write failed", "digest", dg, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		d.logger.Warn("disk cache rename failed", "digest", dg, "error", err)
		return
	}

	d.mu.Lock()
	if old, ok := d.index[dg]; ok {
		d.currentSize -= old.Size
	}
	d.index[dg] = &diskItem{Digest: dg, Size: int64(len(data)), AccessTime: time.Now()}
	d.currentSize += int64(len(data))
	victims := d.evictLocked()
	d.mu.Unlock()

	for _, v := range victims {
		os.Remove(d.pathFor(v))
	}
}

// Close persists the index.
func (d *DiskStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.saveIndexLocked()
}

func (d *DiskStore) pathFor(dg types.Digest) string {
	// Digest strings contain ':', awkward on some filesystems.
	return filepath.Join(d.dir, strings.ReplaceAll(dg.String(), ":", "-"))
}

func (d *DiskStore) remove(dg types.Digest) {
	d.mu.Lock()
	if item, ok := d.index[dg]; ok {
		d.currentSize -= item.Size
		delete(d.index, dg)
	}
	d.mu.Unlock()
	os.Remove(d.pathFor(dg))
}

// evictLocked returns the digests to delete; file removal happens outside
// the lock.
func (d *DiskStore) evictLocked() []types.Digest {
	if d.maxSize <= 0 || d.currentSize <= d.maxSize {
		return nil
	}
	items := make([]*diskItem, 0, len(d.index))
	for _, item := range d.index {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].AccessTime.Before(items[j].AccessTime)
	})

	var victims []types.Digest
	for _, item := range items {
		if d.currentSize <= d.maxSize {
			break
		}
		d.currentSize -= item.Size
		delete(d.index, item.Digest)
		victims = append(victims, item.Digest)
	}
	return victims
}

func (d *DiskStore) loadIndex() {
	data, err := os.ReadFile(filepath.Join(d.dir, diskIndexFile))
	if err != nil {
		return // fresh directory
	}
	var items []*diskItem
	if err := json.Unmarshal(data, &items); err != nil {
		d.logger.Warn("disk cache index unreadable, starting empty", "error", err)
		return
	}
	for _, item := range items {
		if item.Digest.Validate() != nil {
			continue
		}
		d.index[item.Digest] = item
		d.currentSize += item.Size
	}
}

func (d *DiskStore) saveIndexLocked() error {
	items := make([]*diskItem, 0, len(d.index))
	for _, item := range d.index {
		items = append(items, item)
	}
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.dir, diskIndexFile), data, 0o640)
}
