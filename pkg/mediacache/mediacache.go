// Package mediacache downloads, normalizes and caches remote Matrix media.
// Lookups resolve through an in-memory path cache, a negative-result set and
// the on-disk cache before any network attempt; concurrent requests for the
// same content are coalesced into a single download.
package mediacache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image/color"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	lru "github.com/hashicorp/golang-lru"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const pathCacheSize = 1000

// Manager caches avatars and general media under separate directories with
// separate download limiters: avatars are many and small, media is fewer
// and larger.
type Manager struct {
	avatarDir string
	mediaDir  string
	maxDim    int

	pathCache *lru.Cache
	group     singleflight.Group
	avatarSem *semaphore.Weighted
	mediaSem  *semaphore.Weighted

	negMu    sync.Mutex
	negative map[string]struct{}

	httpClient *http.Client
	logger     *logrus.Entry
}

func New(v *viper.Viper, avatarDir, mediaDir string) *Manager {
	rootLogger := logrus.New()
	rootLogger.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 14,
		FullTimestamp: true,
	})

	if v.GetBool("debug") {
		rootLogger.SetLevel(logrus.DebugLevel)
	}

	if v.GetBool("trace") {
		rootLogger.SetLevel(logrus.TraceLevel)
	}

	logger := rootLogger.WithFields(logrus.Fields{"prefix": "mediacache"})

	for _, dir := range []string{avatarDir, mediaDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			logger.Errorf("creating cache directory %s: %s", dir, err)
		}
	}

	pathCache, _ := lru.New(pathCacheSize)

	return &Manager{
		avatarDir:  avatarDir,
		mediaDir:   mediaDir,
		maxDim:     v.GetInt("media.max-dimension"),
		pathCache:  pathCache,
		avatarSem:  semaphore.NewWeighted(int64(v.GetInt("media.avatar-concurrency"))),
		mediaSem:   semaphore.NewWeighted(int64(v.GetInt("media.concurrency"))),
		negative:   make(map[string]struct{}),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

type fetchSpec struct {
	homeserver string
	mxc        string
	token      string
	width      int
	height     int
	avatar     bool
}

// GetAvatar returns the local path of a cached avatar at the requested
// square size, downloading it on first use. The boolean is false when the
// avatar cannot be resolved; callers fall back to initials.
func (m *Manager) GetAvatar(ctx context.Context, homeserver, mxcURL string, size int, accessToken string) (string, bool) {
	return m.get(ctx, fetchSpec{
		homeserver: homeserver,
		mxc:        mxcURL,
		token:      accessToken,
		width:      size,
		height:     size,
		avatar:     true,
	})
}

// GetMedia returns the local path of a cached media file. With non-zero
// dimensions a scaled thumbnail is requested; otherwise the full download
// is clamped to the configured maximum dimension.
func (m *Manager) GetMedia(ctx context.Context, homeserver, mxcURL string, width, height int, accessToken string) (string, bool) {
	return m.get(ctx, fetchSpec{
		homeserver: homeserver,
		mxc:        mxcURL,
		token:      accessToken,
		width:      width,
		height:     height,
	})
}

func (m *Manager) get(ctx context.Context, spec fetchSpec) (string, bool) {
	if !strings.HasPrefix(spec.mxc, "mxc://") {
		return "", false
	}

	key := fmt.Sprintf("%s_%d_%d_%t", spec.mxc, spec.width, spec.height, spec.avatar)
	if p, ok := m.pathCache.Get(key); ok {
		return p.(string), true
	}

	if m.isNegative(spec.mxc) {
		return "", false
	}

	path := m.cachePath(spec)
	if _, err := os.Stat(path); err == nil {
		m.pathCache.Add(key, path)

		return path, true
	}

	// coalesce concurrent downloads for the same cache file; the
	// singleflight entry disappears on every exit path
	v, err, _ := m.group.Do(path, func() (interface{}, error) {
		return m.download(ctx, spec, path)
	})
	if err != nil {
		return "", false
	}

	m.pathCache.Add(key, path)

	return v.(string), true
}

func (m *Manager) cachePath(spec fetchSpec) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s_%d_%d", spec.mxc, spec.width, spec.height)))

	dir := m.mediaDir
	if spec.avatar {
		dir = m.avatarDir
	}

	return filepath.Join(dir, hex.EncodeToString(sum[:])+".png")
}

func (m *Manager) download(ctx context.Context, spec fetchSpec, path string) (string, error) {
	sem := m.mediaSem
	if spec.avatar {
		sem = m.avatarSem
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer sem.Release(1)

	urls, err := m.buildURLs(spec)
	if err != nil {
		m.markNegative(spec.mxc)

		return "", err
	}

	var data []byte

	// size-appropriate thumbnail first, full download as fallback; the
	// full download has no further fallback
	for _, u := range urls {
		data, err = m.fetchOnce(ctx, u, spec.token)
		if err == nil {
			break
		}

		m.logger.Debugf("download attempt for %s failed: %s", spec.mxc, err)
	}

	if data == nil {
		m.markNegative(spec.mxc)

		return "", fmt.Errorf("all download attempts failed for %s", spec.mxc)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		m.markNegative(spec.mxc)

		return "", fmt.Errorf("decoding %s: %w", spec.mxc, err)
	}

	if spec.avatar {
		// avatars lose their alpha channel against a white background
		bounds := img.Bounds()
		background := imaging.New(bounds.Dx(), bounds.Dy(), color.White)
		img = imaging.OverlayCenter(background, img, 1.0)
		img = imaging.Fill(img, spec.width, spec.height, imaging.Center, imaging.Lanczos)
	} else if spec.width == 0 || spec.height == 0 {
		// clamp unbounded full downloads
		bounds := img.Bounds()
		if bounds.Dx() > m.maxDim || bounds.Dy() > m.maxDim {
			img = imaging.Fit(img, m.maxDim, m.maxDim, imaging.Lanczos)
		}
	}

	if err := imaging.Save(img, path); err != nil {
		return "", fmt.Errorf("writing cache file for %s: %w", spec.mxc, err)
	}

	m.logger.Debugf("cached %s as %s", spec.mxc, path)

	return path, nil
}

// buildURLs returns the candidate download URLs in attempt order. The
// authenticated media endpoints are used when a token is available, the
// legacy unauthenticated ones otherwise.
func (m *Manager) buildURLs(spec fetchSpec) ([]string, error) {
	server, mediaID, ok := strings.Cut(strings.TrimPrefix(spec.mxc, "mxc://"), "/")
	if !ok || server == "" || mediaID == "" {
		return nil, fmt.Errorf("invalid mxc url %q", spec.mxc)
	}

	base := spec.homeserver
	if !strings.HasPrefix(base, "http") {
		base = "https://" + base
	}

	base = strings.TrimRight(base, "/")

	prefix := "/_matrix/media/v3"
	if spec.token != "" {
		prefix = "/_matrix/client/v1/media"
	}

	var urls []string

	if spec.width > 0 && spec.height > 0 {
		method := "scale"
		if spec.avatar {
			method = "crop"
		}

		urls = append(urls, fmt.Sprintf("%s%s/thumbnail/%s/%s?width=%d&height=%d&method=%s",
			base, prefix, server, mediaID, spec.width, spec.height, method))
	}

	urls = append(urls, fmt.Sprintf("%s%s/download/%s/%s", base, prefix, server, mediaID))

	return urls, nil
}

func (m *Manager) fetchOnce(ctx context.Context, url, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}

	return io.ReadAll(resp.Body)
}

func (m *Manager) isNegative(mxc string) bool {
	m.negMu.Lock()
	defer m.negMu.Unlock()

	_, ok := m.negative[mxc]

	return ok
}

func (m *Manager) markNegative(mxc string) {
	m.negMu.Lock()
	m.negative[mxc] = struct{}{}
	m.negMu.Unlock()

	m.logger.Debugf("recorded %s in the negative cache", mxc)
}

// ClearCache removes all cached files from both cache directories. The
// negative set survives until restart by design; only files are cleared.
func (m *Manager) ClearCache() error {
	m.pathCache.Purge()

	for _, dir := range []string{m.avatarDir, m.mediaDir} {
		files, err := filepath.Glob(filepath.Join(dir, "*.png"))
		if err != nil {
			return err
		}

		for _, file := range files {
			if err := os.Remove(file); err != nil {
				m.logger.Errorf("removing %s: %s", file, err)
			}
		}
	}

	return nil
}
