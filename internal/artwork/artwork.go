// Package artwork is a bounded on-disk cache for zone artwork. Clients fetch
// GET /artwork/{key} where key is the hex-encoded source URL; the cache
// serves the file it has or fetches it from the source once and keeps it.
// That keeps UI and knob clients off the backends, which matters for
// low-powered players that serve cover art slowly.
package artwork

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/metrics"
)

const (
	fetchTimeout  = 10 * time.Second
	pruneInterval = 10 * time.Minute

	// maxImageBytes caps a single fetch; cover art beyond this is broken.
	maxImageBytes = 8 << 20
)

// Key returns the wire key for a source URL.
func Key(srcURL string) string {
	return hex.EncodeToString([]byte(srcURL))
}

// decodeKey reverses Key and refuses anything that is not a plain http(s)
// URL, so the cache cannot be pointed at file:// or other local schemes.
func decodeKey(key string) (string, error) {
	raw, err := hex.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("key is not hex: %w", err)
	}
	u, err := url.Parse(string(raw))
	if err != nil {
		return "", fmt.Errorf("key is not a url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	return u.String(), nil
}

// Options configures the cache.
type Options struct {
	// Dir is the cache directory, created if missing.
	Dir string
	// MaxBytes is the pruner's size cap. Zero or negative disables pruning.
	MaxBytes int64
	// Client fetches artwork; defaults to a 10s-timeout client.
	Client *http.Client
	Log    zerolog.Logger
}

// Cache serves and fills the artwork directory. It implements http.Handler
// for the /artwork/{key} route.
type Cache struct {
	dir      string
	maxBytes int64
	client   *http.Client
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates the cache directory and returns a cache ready to serve.
// Call Start to run the pruner.
func New(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("artwork cache needs a directory")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", opts.Dir, err)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Cache{
		dir:      opts.Dir,
		maxBytes: opts.MaxBytes,
		client:   client,
		log:      opts.Log.With().Str("component", "artwork").Logger(),
		stop:     make(chan struct{}),
	}, nil
}

// Start runs the pruner loop.
func (c *Cache) Start() {
	go c.loop()
}

// Stop ends the pruner loop. Safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srcURL, err := decodeKey(chi.URLParam(r, "key"))
	if err != nil {
		http.Error(w, "bad artwork key", http.StatusBadRequest)
		return
	}
	path := c.path(srcURL)

	if f, err := os.Open(path); err == nil {
		defer f.Close()
		metrics.ArtworkCacheHits.Inc()
		// Touch so the pruner sees recent use; content is immutable per
		// key, so client caching runs on Cache-Control alone.
		now := time.Now()
		_ = os.Chtimes(path, now, now)
		w.Header().Set("Cache-Control", "public, max-age=86400")
		http.ServeContent(w, r, "", time.Time{}, f)
		return
	}

	metrics.ArtworkCacheMisses.Inc()
	data, contentType, err := c.fetch(r.Context(), srcURL)
	if err != nil {
		c.log.Warn().Err(err).Str("url", srcURL).Msg("artwork fetch failed")
		http.Error(w, "artwork fetch failed", http.StatusBadGateway)
		return
	}
	if err := c.save(path, data); err != nil {
		c.log.Warn().Err(err).Msg("artwork cache write failed")
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(data)
}

// path names the cached file by URL hash: fixed length, filesystem safe.
func (c *Cache) path(srcURL string) string {
	sum := sha256.Sum256([]byte(srcURL))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:]))
}

func (c *Cache) fetch(ctx context.Context, srcURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("source returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// save writes atomically: temp file + rename, so a crashed fetch never
// leaves a half-written image behind the hash name.
func (c *Cache) save(path string, data []byte) error {
	tmp, err := os.CreateTemp(c.dir, ".artwork-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (c *Cache) loop() {
	// Run once on startup to clear any backlog from downtime.
	c.prune()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.prune()
		case <-c.stop:
			return
		}
	}
}

// prune removes least-recently-used files until the directory fits the cap.
// Serving a file touches its mtime, so mtime order is use order.
func (c *Cache) prune() {
	if c.maxBytes <= 0 {
		return
	}

	type fileEntry struct {
		path    string
		modTime time.Time
		size    int64
	}
	var files []fileEntry
	var totalSize int64

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn().Err(err).Msg("artwork prune: read dir")
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileEntry{
			path:    filepath.Join(c.dir, e.Name()),
			modTime: info.ModTime(),
			size:    info.Size(),
		})
		totalSize += info.Size()
	}
	if totalSize <= c.maxBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	var prunedCount int
	var prunedBytes int64
	for _, f := range files {
		if totalSize <= c.maxBytes {
			break
		}
		if err := os.Remove(f.path); err == nil {
			prunedCount++
			prunedBytes += f.size
			totalSize -= f.size
			metrics.ArtworkCacheEvictions.Inc()
		}
	}

	if prunedCount > 0 {
		c.log.Info().
			Int("pruned", prunedCount).
			Str("freed", humanizeBytes(prunedBytes)).
			Str("remaining", humanizeBytes(totalSize)).
			Msg("artwork prune complete")
	}
}

func humanizeBytes(b int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
