package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const maxSnapshotSize = 4 << 20

var ErrNoFrames = errors.New("capture source has no frames")

// Source yields one encoded camera frame per call.
type Source interface {
	Capture(ctx context.Context) ([]byte, error)
}

// StaticSource cycles through a fixed set of frames.
type StaticSource struct {
	mu     sync.Mutex
	frames [][]byte
	next   int
}

func NewStaticSource(frames ...[]byte) *StaticSource {
	return &StaticSource{frames: frames}
}

func (s *StaticSource) Capture(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) == 0 {
		return nil, ErrNoFrames
	}
	frame := s.frames[s.next]
	s.next = (s.next + 1) % len(s.frames)
	return frame, nil
}

// LoadStaticSource reads every .jpg or .jpeg file in dir, in name order.
func LoadStaticSource(dir string) (*StaticSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frames dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".jpg" && ext != ".jpeg") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	frames := make([][]byte, 0, len(names))
	for _, name := range names {
		frame, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read frame %s: %w", name, err)
		}
		frames = append(frames, frame)
	}
	return NewStaticSource(frames...), nil
}

// HTTPSnapshotSource fetches a JPEG still from a local camera bridge.
type HTTPSnapshotSource struct {
	url    string
	client *http.Client
}

func NewHTTPSnapshotSource(url string, timeout time.Duration) *HTTPSnapshotSource {
	return &HTTPSnapshotSource{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSnapshotSource) Capture(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch snapshot: unexpected status %d", resp.StatusCode)
	}

	frame, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotSize))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(frame) == 0 {
		return nil, ErrNoFrames
	}
	return frame, nil
}

// EncodeDataURL wraps a JPEG frame the way the analysis service expects it.
func EncodeDataURL(frame []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(frame)
}
