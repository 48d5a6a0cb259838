package imagehash

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"rental_dedupe/metrics"
)

const maxImageBytes = 20 * 1024 * 1024

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// ErrNotImage is returned by Fetch when the URL or response is not an image
var ErrNotImage = errors.New("not an image")

// Hasher fetches images over HTTP and hashes them. Hash never fails: any
// problem yields empty Hashes.
type Hasher struct {
	client  *http.Client
	timeout time.Duration
	cache   Cache
	logger  *zap.Logger
}

// NewHasher creates a hasher. timeout bounds each individual fetch.
func NewHasher(client *http.Client, timeout time.Duration) *Hasher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Hasher{
		client:  client,
		timeout: timeout,
		logger:  zap.NewNop(),
	}
}

// WithCache enables a hash cache keyed by URL
func (h *Hasher) WithCache(cache Cache) *Hasher {
	h.cache = cache
	return h
}

// WithLogger sets the logger
func (h *Hasher) WithLogger(logger *zap.Logger) *Hasher {
	h.logger = logger
	return h
}

// Hash returns the hashes of the image at url, or empty Hashes when the
// image cannot be fetched or decoded.
func (h *Hasher) Hash(ctx context.Context, url string) Hashes {
	if h.cache != nil {
		if cached, ok := h.cache.Get(ctx, url); ok {
			metrics.ImageHashCacheTotal.WithLabelValues("hit").Inc()
			return cached
		}
		metrics.ImageHashCacheTotal.WithLabelValues("miss").Inc()
	}

	data, _, err := h.Fetch(ctx, url)
	if err != nil {
		h.logger.Debug("image fetch failed", zap.String("url", url), zap.Error(err))
		return Hashes{}
	}

	hashes, err := HashBytes(data)
	if err != nil {
		metrics.ImageFetchesTotal.WithLabelValues("decode_error").Inc()
		h.logger.Debug("image decode failed", zap.String("url", url), zap.Error(err))
		return Hashes{}
	}

	if h.cache != nil {
		h.cache.Set(ctx, url, hashes)
	}
	return hashes
}

// Fetch downloads the image at url and returns its bytes and content type
func (h *Hasher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	if !LooksLikeImage(url) {
		metrics.ImageFetchesTotal.WithLabelValues("skipped").Inc()
		return nil, "", ErrNotImage
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		metrics.ImageFetchesTotal.WithLabelValues("error").Inc()
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := h.client.Do(req)
	if err != nil {
		metrics.ImageFetchesTotal.WithLabelValues("error").Inc()
		return nil, "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ImageFetchesTotal.WithLabelValues("bad_status").Inc()
		return nil, "", fmt.Errorf("download status: %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		metrics.ImageFetchesTotal.WithLabelValues("not_image").Inc()
		return nil, "", fmt.Errorf("content type %q: %w", contentType, ErrNotImage)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		metrics.ImageFetchesTotal.WithLabelValues("error").Inc()
		return nil, "", fmt.Errorf("read body: %w", err)
	}

	metrics.ImageFetchesTotal.WithLabelValues("ok").Inc()
	return data, contentType, nil
}

// HashBytes decodes an encoded image (jpeg, png, gif, webp) and hashes it
func HashBytes(data []byte) (Hashes, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Hashes{}, fmt.Errorf("decode image: %w", err)
	}
	return HashImage(img), nil
}

// LooksLikeImage accepts URLs with an image extension or mentioning "image"
func LooksLikeImage(url string) bool {
	lower := strings.ToLower(url)
	if strings.Contains(lower, "image") {
		return true
	}
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	return imageExtensions[path.Ext(lower)]
}
