package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	apperrors "github.com/reefmind/posepair/internal/errors"
	"github.com/reefmind/posepair/internal/model"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
)

// ErrStalled is the cause reported when a request goes unanswered past the
// timeout and the connection is dropped.
var ErrStalled = errors.New("analysis request unanswered")

// Handlers receive results and connection loss. OnResult runs on the read
// goroutine and must not block. OnLost runs on whichever goroutine noticed
// the loss.
type Handlers struct {
	OnResult func(resp model.AnalysisResponse, capturedAt time.Time)
	OnLost   func(error)
}

type Stats struct {
	Sent      int64 `json:"sent"`
	Received  int64 `json:"received"`
	Abandoned int64 `json:"abandoned"`
	Undecoded int64 `json:"undecoded"`
}

// Client keeps one persistent connection to the analysis service and allows
// at most one outstanding request on it.
type Client struct {
	url      string
	timeout  time.Duration
	dialer   *websocket.Dialer
	handlers Handlers
	now      func() time.Time

	mu          sync.Mutex
	conn        *connection
	outstanding bool
	sentAt      time.Time
	capturedAt  time.Time
	stats       Stats
}

type connection struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// NewClient creates a disconnected client. A request outstanding longer than
// timeout marks the connection stalled and drops it.
func NewClient(url string, timeout time.Duration, handlers Handlers) *Client {
	return &Client{
		url:      url,
		timeout:  timeout,
		dialer:   websocket.DefaultDialer,
		handlers: handlers,
		now:      time.Now,
	}
}

// Connect dials the service if not already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return apperrors.ConnectionLost("analysis", err)
	}
	ws.SetReadLimit(maxMessageSize)

	conn := &connection{ws: ws, done: make(chan struct{})}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		ws.Close()
		return nil
	}
	c.conn = conn
	c.outstanding = false
	c.mu.Unlock()

	log.Info().Str("url", c.url).Msg("analysis connection established")

	go c.readLoop(conn)
	go c.pingLoop(conn)
	return nil
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Ready reports whether a frame may be sent now: connected and nothing
// outstanding. A request older than the timeout stalls the connection, which
// is dropped and reported through OnLost.
func (c *Client) Ready() bool {
	c.mu.Lock()
	ready, stalled := c.readyLocked()
	c.mu.Unlock()

	if stalled != nil {
		c.drop(stalled, ErrStalled)
	}
	return ready
}

// readyLocked detaches a stalled connection and returns it so the caller can
// tear it down after unlocking. The worker may still be processing the
// abandoned request, so the connection cannot carry another one.
func (c *Client) readyLocked() (bool, *connection) {
	if c.conn == nil {
		return false, nil
	}
	if !c.outstanding {
		return true, nil
	}
	if c.timeout > 0 && c.now().Sub(c.sentAt) >= c.timeout {
		stalled := c.conn
		c.conn = nil
		c.outstanding = false
		c.stats.Abandoned++
		return false, stalled
	}
	return false, nil
}

// TrySend sends one frame tagged with pose. capturedAt is handed back with
// the matching result. It returns false without sending when disconnected or
// when a request is still outstanding.
func (c *Client) TrySend(image string, pose string, capturedAt time.Time) bool {
	c.mu.Lock()
	ready, stalled := c.readyLocked()
	if !ready {
		c.mu.Unlock()
		if stalled != nil {
			c.drop(stalled, ErrStalled)
		}
		return false
	}
	conn := c.conn
	c.outstanding = true
	c.sentAt = c.now()
	c.capturedAt = capturedAt
	c.mu.Unlock()

	data, err := json.Marshal(model.AnalysisRequest{Image: image, Pose: pose, Mode: pose})
	if err != nil {
		c.clearOutstanding()
		log.Error().Err(err).Msg("failed to marshal analysis request")
		return false
	}

	conn.writeMu.Lock()
	conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.ws.WriteMessage(websocket.TextMessage, data)
	conn.writeMu.Unlock()
	if err != nil {
		c.lost(conn, err)
		return false
	}

	c.mu.Lock()
	c.stats.Sent++
	c.mu.Unlock()
	return true
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close shuts the connection without reporting it as lost.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.outstanding = false
	c.mu.Unlock()

	if conn == nil {
		return
	}
	conn.writeMu.Lock()
	conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	conn.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.writeMu.Unlock()
	conn.close()
	log.Info().Msg("analysis connection closed")
}

func (c *Client) readLoop(conn *connection) {
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			c.lost(conn, err)
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		var resp model.AnalysisResponse
		decodeErr := json.Unmarshal(data, &resp)

		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return
		}
		capturedAt := c.capturedAt
		c.outstanding = false
		if decodeErr != nil {
			c.stats.Undecoded++
		} else {
			c.stats.Received++
		}
		c.mu.Unlock()

		if decodeErr != nil {
			log.Warn().Err(decodeErr).Msg("failed to decode analysis response")
			continue
		}
		if c.handlers.OnResult != nil {
			c.handlers.OnResult(resp, capturedAt)
		}
	}
}

func (c *Client) pingLoop(conn *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			conn.writeMu.Lock()
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.ws.WriteMessage(websocket.PingMessage, nil)
			conn.writeMu.Unlock()
			if err != nil {
				c.lost(conn, err)
				return
			}
		}
	}
}

// lost tears down conn if it is still current and reports the loss once.
func (c *Client) lost(conn *connection, cause error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.outstanding = false
	}
	c.mu.Unlock()

	if !current {
		conn.close()
		return
	}
	c.drop(conn, cause)
}

// drop closes a connection already detached from the client and reports it.
func (c *Client) drop(conn *connection, cause error) {
	conn.close()
	log.Warn().Err(cause).Msg("analysis connection lost")
	if c.handlers.OnLost != nil {
		c.handlers.OnLost(apperrors.ConnectionLost("analysis", cause))
	}
}

func (c *Client) clearOutstanding() {
	c.mu.Lock()
	c.outstanding = false
	c.mu.Unlock()
}

// FormatStats flattens response metrics for display.
func FormatStats(stats map[string]any) map[string]string {
	if len(stats) == 0 {
		return nil
	}
	out := make(map[string]string, len(stats))
	for k, v := range stats {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = fmt.Sprintf("%.4g", val)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
