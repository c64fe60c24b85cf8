package render

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Cache keeps rendered PNGs on disk. Entries older than maxAge are treated
// as missing; a zero maxAge never expires.
type Cache struct {
	dir    string
	maxAge time.Duration
}

func NewCache(dir string, maxAge time.Duration) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chart cache: %w", err)
	}
	return &Cache{dir: dir, maxAge: maxAge}, nil
}

// path maps a key to a file name; keys are arbitrary metric names.
func (c *Cache) path(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(c.dir, "chart_"+hex.EncodeToString(sum[:8])+".png")
}

func (c *Cache) Get(key string) ([]byte, bool) {
	path := c.path(key)
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if c.maxAge > 0 && time.Since(info.ModTime()) > c.maxAge {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set writes through a temp file so readers never see a partial PNG.
func (c *Cache) Set(key string, data []byte) error {
	tmp, err := os.CreateTemp(c.dir, "chart-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.path(key))
}
