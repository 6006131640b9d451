// SoundMaxx is an audio-processing worker service.
// Copyright (C) 2025 The SoundMaxx Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package cache implements the content-addressed source audio cache.
//
// Cache entries are keyed by a SHA-256 of the normalized source URL
// (scheme, host, and path; query strings are ignored so signed URLs for
// the same blob share an entry). Concurrent downloads of the same source
// are safe: each writer downloads to a unique temp name and renames into
// place, so the losing writer just overwrites with identical bytes.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"soundmaxx/internal/worker/metrics"
)

// ErrEmptySource indicates the source URL served zero bytes.
var ErrEmptySource = errors.New("downloaded source audio is empty")

// audioSuffixes are the extensions preserved in cache keys; anything else
// is normalized to .wav.
var audioSuffixes = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".flac": true,
	".ogg":  true,
	".aac":  true,
	".m4a":  true,
	".aif":  true,
	".aiff": true,
}

// Cache stages remote source audio into job workspaces through an
// on-disk, size-bounded store.
type Cache struct {
	Root     string
	MaxBytes int64 // 0 disables the byte cap
	MaxFiles int   // 0 disables the file cap
	Client   *http.Client
	Logger   *log.Logger

	pruneMu sync.Mutex
}

// New returns a cache rooted at root with the given eviction caps.
func New(root string, maxBytes int64, maxFiles int, logger *log.Logger) *Cache {
	return &Cache{
		Root:     root,
		MaxBytes: maxBytes,
		MaxFiles: maxFiles,
		Client:   &http.Client{Timeout: 120 * time.Second},
		Logger:   logger,
	}
}

func (c *Cache) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

// AudioSuffix returns the cache suffix for a source URL path: the
// lowercased extension when it is a known audio extension, otherwise ".wav".
func AudioSuffix(urlPath string) string {
	ext := strings.ToLower(filepath.Ext(urlPath))
	if audioSuffixes[ext] {
		return ext
	}
	return ".wav"
}

// Key returns the cache file name for a source URL.
func Key(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse source url: %w", err)
	}
	normalized := u.Scheme + "://" + u.Host + u.Path
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:]) + AudioSuffix(u.Path), nil
}

// Stage materializes the source audio at destPath, downloading it into the
// cache first unless an entry already exists.
func (c *Cache) Stage(rawURL, destPath string) error {
	key, err := Key(rawURL)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.Root, 0o755); err != nil {
		return fmt.Errorf("create cache root: %w", err)
	}
	cachePath := filepath.Join(c.Root, key)

	if info, err := os.Stat(cachePath); err == nil && info.Size() > 0 {
		metrics.IncCacheEvent(metrics.CacheHit)
		c.logf("cache hit %s", key)
		return linkOrCopy(cachePath, destPath)
	}
	metrics.IncCacheEvent(metrics.CacheMiss)

	tmpPath := fmt.Sprintf("%s.tmp-%d-%s", cachePath, os.Getpid(), strings.ReplaceAll(uuid.NewString(), "-", ""))
	size, err := c.download(rawURL, tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if size == 0 {
		_ = os.Remove(tmpPath)
		return ErrEmptySource
	}
	if err := os.Rename(tmpPath, cachePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("finalize cache entry: %w", err)
	}
	c.logf("cached %s (%d bytes)", key, size)

	c.Prune()
	return linkOrCopy(cachePath, destPath)
}

func (c *Cache) download(rawURL, destPath string) (int64, error) {
	resp, err := c.Client.Get(rawURL)
	if err != nil {
		return 0, fmt.Errorf("download source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("download source: unexpected status %d", resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("create cache temp file: %w", err)
	}

	written, err := io.CopyBuffer(out, resp.Body, make([]byte, 1<<20))
	if err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("stream source: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("flush cache temp file: %w", err)
	}
	return written, nil
}

// Prune evicts the oldest cache entries until both caps are respected.
// In-flight temp files are never touched. Eviction runs under a mutex so
// concurrent stagers do not double-count removals.
func (c *Cache) Prune() {
	if c.MaxBytes <= 0 && c.MaxFiles <= 0 {
		return
	}

	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	entries, err := os.ReadDir(c.Root)
	if err != nil {
		return
	}

	type cacheFile struct {
		path    string
		size    int64
		modTime time.Time
	}
	var files []cacheFile
	var totalBytes int64
	for _, entry := range entries {
		if entry.IsDir() || strings.Contains(entry.Name(), ".tmp-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, cacheFile{
			path:    filepath.Join(c.Root, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		totalBytes += info.Size()
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	count := len(files)
	for _, f := range files {
		overBytes := c.MaxBytes > 0 && totalBytes > c.MaxBytes
		overFiles := c.MaxFiles > 0 && count > c.MaxFiles
		if !overBytes && !overFiles {
			break
		}
		if err := os.Remove(f.path); err != nil {
			c.logf("cache evict %s: %v", filepath.Base(f.path), err)
			continue
		}
		metrics.IncCacheEvent(metrics.CacheEviction)
		totalBytes -= f.size
		count--
	}
}

// linkOrCopy hard-links src to dest, falling back to a byte copy when the
// filesystem rejects the link.
func linkOrCopy(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	_ = os.Remove(dest)
	if err := os.Link(src, dest); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open cache entry: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create staged copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy cache entry: %w", err)
	}
	return out.Close()
}
