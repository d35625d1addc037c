// Package cache provides a persistent, compressed store for synthesized
// audio clips, so re-reading the same text skips the synthesis round trip.
package cache

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
)

const indexFile = "index.gob"

// Store is an on-disk clip cache with zstd compression and a bounded
// capacity. Entries are pruned oldest-first when the cap is exceeded.
type Store struct {
	dir      string
	capacity int64

	enc *zstd.Encoder
	dec *zstd.Decoder
	log *log.Logger

	mu    sync.Mutex
	index map[string]*entry
	size  int64
}

type entry struct {
	Key          string
	File         string
	Size         int64
	OriginalSize int64
	Stored       time.Time
}

// Key derives the cache key for a synthesized clip.
func Key(text, speaker string) string {
	sum := sha256.Sum256([]byte(speaker + "|" + text))
	return hex.EncodeToString(sum[:16])
}

// Open creates or reopens a store rooted at dir. A capacity of zero means
// 256 MB.
func Open(dir string, capacity int64, logger *log.Logger) (*Store, error) {
	if capacity <= 0 {
		capacity = 256 << 20
	}
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	s := &Store{
		dir:      dir,
		capacity: capacity,
		enc:      enc,
		dec:      dec,
		log:      logger,
		index:    make(map[string]*entry),
	}
	if err := s.loadIndex(); err != nil {
		// A broken index is not fatal; start over.
		s.log.Warn("cache index unreadable, starting fresh", "err", err)
		s.index = make(map[string]*entry)
		s.size = 0
	}
	return s, nil
}

// Get returns the clip stored under key, if present.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[key]
	if !ok {
		return nil, false
	}
	raw, err := os.ReadFile(e.File)
	if err != nil {
		// File went missing underneath us; drop the entry.
		delete(s.index, key)
		s.size -= e.Size
		return nil, false
	}
	data, err := s.dec.DecodeAll(raw, nil)
	if err != nil {
		s.log.Warn("cache entry corrupt, discarding", "key", key, "err", err)
		delete(s.index, key)
		s.size -= e.Size
		_ = os.Remove(e.File)
		return nil, false
	}
	return data, true
}

// Put stores a clip under key, pruning oldest entries if the store would
// exceed its capacity.
func (s *Store) Put(key string, data []byte) error {
	compressed := s.enc.EncodeAll(data, nil)
	file := filepath.Join(s.dir, key+".zst")
	if err := os.WriteFile(file, compressed, 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.index[key]; ok {
		s.size -= old.Size
	}
	s.index[key] = &entry{
		Key:          key,
		File:         file,
		Size:         int64(len(compressed)),
		OriginalSize: int64(len(data)),
		Stored:       time.Now(),
	}
	s.size += int64(len(compressed))
	s.pruneLocked()
	return nil
}

// pruneLocked evicts oldest entries until the store fits its capacity.
func (s *Store) pruneLocked() {
	if s.size <= s.capacity {
		return
	}
	entries := make([]*entry, 0, len(s.index))
	for _, e := range s.index {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Stored.Before(entries[j].Stored)
	})
	for _, e := range entries {
		if s.size <= s.capacity {
			break
		}
		_ = os.Remove(e.File)
		delete(s.index, e.Key)
		s.size -= e.Size
	}
	s.log.Debug("cache pruned", "size", humanize.Bytes(uint64(s.size)), "entries", len(s.index))
}

// Len reports the number of cached clips.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Size reports the on-disk size of the store in bytes.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Clear removes every entry.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.index {
		_ = os.Remove(e.File)
	}
	s.index = make(map[string]*entry)
	s.size = 0
	return nil
}

// Close persists the index. The store must not be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveIndexLocked()
}

func (s *Store) loadIndex() error {
	f, err := os.Open(filepath.Join(s.dir, indexFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var entries []*entry
	if err := gob.NewDecoder(f).Decode(&entries); err != nil {
		return err
	}
	for _, e := range entries {
		if _, statErr := os.Stat(e.File); statErr != nil {
			continue
		}
		s.index[e.Key] = e
		s.size += e.Size
	}
	s.log.Debug("cache index loaded",
		"entries", len(s.index),
		"size", humanize.Bytes(uint64(s.size)))
	return nil
}

func (s *Store) saveIndexLocked() error {
	entries := make([]*entry, 0, len(s.index))
	for _, e := range s.index {
		entries = append(entries, e)
	}
	f, err := os.Create(filepath.Join(s.dir, indexFile))
	if err != nil {
		return fmt.Errorf("write cache index: %w", err)
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(entries)
}
