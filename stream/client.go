package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	appconfig "floorwatch/config"
	"floorwatch/internal/channel"
	"floorwatch/logger"
	"floorwatch/models"
)

// ConnState tracks where the stream connection is in its lifecycle.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateHandshakeSent
	StateStreaming
	StateClosed
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type streamFrame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type nextPayload struct {
	Data struct {
		CollectionsBySlugs *models.Collection `json:"collectionsBySlugs"`
	} `json:"data"`
}

// safeConn serializes writes; the subscription feeder and the pong replies
// share one connection and gorilla allows a single concurrent writer.
type safeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *safeConn) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// Client maintains the marketplace stat stream: dial, graphql-ws handshake,
// replay of the active subscription set, then a read loop that feeds raw
// collection updates into the pipeline. Connection loss triggers a
// reconnect with exponential backoff and a full resubscribe.
type Client struct {
	config   *appconfig.Config
	channels *channel.Channels
	subs     *SubscriptionManager
	state    atomic.Int32
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	// Metrics
	frames     int64
	reconnects int64
}

func NewClient(cfg *appconfig.Config, channels *channel.Channels, subs *SubscriptionManager) *Client {
	return &Client{
		config:   cfg,
		channels: channels,
		subs:     subs,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("stream client already running")
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	log := c.log.WithComponent("stream_client").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{"url": c.config.Stream.URL}).Info("starting stream client")

	c.wg.Add(1)
	go c.run()

	log.Info("stream client started successfully")
	return nil
}

func (c *Client) Stop() {
	c.mu.Lock()
	c.running = false
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.log.WithComponent("stream_client").Info("stopping stream client")
	c.wg.Wait()
	c.setState(StateClosed)
	c.log.WithComponent("stream_client").WithFields(logger.Fields{
		"frames":     atomic.LoadInt64(&c.frames),
		"reconnects": atomic.LoadInt64(&c.reconnects),
	}).Info("stream client stopped")
}

// State reports the current connection state.
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Client) setState(s ConnState) {
	old := ConnState(c.state.Swap(int32(s)))
	if old != s {
		c.log.WithComponent("stream_client").WithFields(logger.Fields{
			"from": old.String(),
			"to":   s.String(),
		}).Debug("connection state changed")
	}
}

func (c *Client) run() {
	defer c.wg.Done()

	log := c.log.WithComponent("stream_client").WithFields(logger.Fields{"worker": "connection_loop"})

	backoff := c.config.Stream.Backoff.BaseDelay.Std()
	maxBackoff := c.config.Stream.Backoff.MaxDelay.Std()

	for {
		if c.ctx.Err() != nil {
			log.Info("connection loop stopped due to context cancellation")
			return
		}

		err := c.session()
		if c.ctx.Err() != nil {
			return
		}

		// A session that reached streaming resets the backoff; repeated
		// handshake failures keep doubling it.
		if c.State() == StateStreaming {
			backoff = c.config.Stream.Backoff.BaseDelay.Std()
		}
		c.setState(StateDisconnected)
		atomic.AddInt64(&c.reconnects, 1)
		log.WithError(err).WithFields(logger.Fields{
			"backoff": backoff.String(),
		}).Warn("stream session ended, reconnecting")

		if !sleepCtx(c.ctx, backoff) {
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session runs one connection lifetime: dial, handshake, resubscribe, read
// until the connection breaks. Returns the terminal error.
func (c *Client) session() error {
	log := c.log.WithComponent("stream_client")

	c.setState(StateConnecting)
	dialer := websocket.Dialer{HandshakeTimeout: c.config.Stream.HandshakeTimeout.Std()}
	rawConn, _, err := dialer.DialContext(c.ctx, c.config.Stream.URL, nil)
	if err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("dial stream: %w", err)
	}
	defer rawConn.Close()
	conn := &safeConn{conn: rawConn}

	if err := conn.WriteJSON(streamFrame{Type: "connection_init"}); err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("send connection_init: %w", err)
	}
	c.setState(StateHandshakeSent)

	rawConn.SetReadDeadline(time.Now().Add(c.config.Stream.HandshakeTimeout.Std()))
	var ack streamFrame
	if err := rawConn.ReadJSON(&ack); err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("read handshake reply: %w", err)
	}
	if ack.Type != "connection_ack" {
		c.setState(StateFailed)
		return fmt.Errorf("unexpected handshake reply %q", ack.Type)
	}
	rawConn.SetReadDeadline(time.Time{})
	c.setState(StateStreaming)
	log.Info("stream handshake acknowledged")

	// Replay the full active set before taking new candidates so a
	// reconnect never drops coverage of previously watched collections.
	if err := c.subs.Resubscribe(c.ctx, conn); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	// The feeder must be cancelled and awaited before the session returns,
	// so no two connections ever write the subscription set concurrently.
	sessionCtx, cancel := context.WithCancel(c.ctx)
	var feederWG sync.WaitGroup
	defer feederWG.Wait()
	defer cancel()

	// Closing the socket is the only way to unblock a pending read.
	go func() {
		<-sessionCtx.Done()
		rawConn.Close()
	}()

	feederWG.Add(1)
	go func() {
		defer feederWG.Done()
		c.feedCandidates(sessionCtx, conn)
	}()

	for {
		var frame streamFrame
		if err := rawConn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read stream frame: %w", err)
		}
		c.handleFrame(conn, frame)
	}
}

// feedCandidates forwards scanner candidate sets to the subscription
// manager for the lifetime of one connection.
func (c *Client) feedCandidates(ctx context.Context, conn frameWriter) {
	log := c.log.WithComponent("stream_client").WithFields(logger.Fields{"worker": "candidate_feeder"})

	for {
		select {
		case <-ctx.Done():
			return
		case slugs := <-c.channels.Candidates:
			if err := c.subs.Apply(ctx, conn, slugs); err != nil {
				log.WithError(err).Warn("failed to apply candidate set")
				return
			}
		}
	}
}

func (c *Client) handleFrame(conn frameWriter, frame streamFrame) {
	log := c.log.WithComponent("stream_client")

	switch frame.Type {
	case "next":
		var payload nextPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			log.WithError(err).Warn("malformed stream payload dropped")
			return
		}
		item := payload.Data.CollectionsBySlugs
		if item == nil || item.Slug == "" {
			log.Debug("stream frame without collection data dropped")
			return
		}
		atomic.AddInt64(&c.frames, 1)
		if !c.channels.SendUpdate(c.ctx, item) && c.ctx.Err() == nil {
			log.WithFields(logger.Fields{"slug": item.Slug}).Warn("update channel full, stream frame dropped")
		}
	case "ping":
		if err := conn.WriteJSON(streamFrame{Type: "pong"}); err != nil {
			log.WithError(err).Warn("failed to answer ping")
		}
	case "error":
		log.WithFields(logger.Fields{
			"id":      frame.ID,
			"payload": string(frame.Payload),
		}).Warn("stream reported subscription error")
	case "complete":
		log.WithFields(logger.Fields{"id": frame.ID}).Debug("subscription completed by server")
	default:
		log.WithFields(logger.Fields{"type": frame.Type}).Debug("unexpected stream frame dropped")
	}
}

// sleepCtx sleeps for d unless the context ends first. It reports whether
// the full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
