package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Strob0t/TeamForge/internal/domain/event"
	"github.com/Strob0t/TeamForge/internal/resilience"
)

// ClientState is the connection state reported by a Client.
type ClientState int32

const (
	StateConnecting ClientState = iota
	StateConnected
	StateReconnecting
	StateLost
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateLost:
		return "lost"
	case StateClosed:
		return "closed"
	default:
		return "connecting"
	}
}

// ErrConnectionLost is returned by Client.Run once reconnect attempts are exhausted.
var ErrConnectionLost = errors.New("websocket connection lost")

var errRunFinished = errors.New("run finished")

// ClientConfig configures a Client.
type ClientConfig struct {
	URL       string // ws(s)://host/ws/executions/{run_id}
	Token     string // bearer token, optional
	Heartbeat time.Duration
	Backoff   resilience.Backoff
	// MaxAttempts is the number of consecutive failed connects tolerated
	// before the client gives up.
	MaxAttempts int
	Breaker     *resilience.Breaker
	OnEvent     func(event.Event)
	OnState     func(ClientState)
}

// Client follows one run over WebSocket, reconnecting with capped
// exponential backoff. Connecting to the run path resubscribes to it.
type Client struct {
	cfg     ClientConfig
	state   atomic.Int32
	lastSeq uint64
}

// NewClient creates a client. Zero values fall back to defaults.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = resilience.Backoff{Base: 500 * time.Millisecond, Multiplier: 2, Max: 30 * time.Second}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewBreaker(5, 30*time.Second)
	}
	return &Client{cfg: cfg}
}

// State returns the current connection state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

func (c *Client) setState(s ClientState) {
	if ClientState(c.state.Swap(int32(s))) == s {
		return
	}
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

// Run connects and delivers events until the run finishes (nil), ctx is
// done, or MaxAttempts sessions in a row fail (ErrConnectionLost). A session
// counts as failed when it ends without delivering a new event, whether the
// dial was refused or the server dropped an accepted connection.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		finished, progressed := false, false
		err := c.cfg.Breaker.Execute(func() error {
			conn, err := c.dial(ctx)
			if err != nil {
				return err
			}
			c.setState(StateConnected)
			from := c.lastSeq
			err = c.session(ctx, conn)
			progressed = c.lastSeq > from
			if errors.Is(err, errRunFinished) {
				finished = true
				return nil
			}
			if progressed {
				return nil
			}
			return err
		})
		if finished {
			c.setState(StateClosed)
			return nil
		}
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return ctx.Err()
		}

		if progressed {
			failures = 0
		}
		failures++
		if failures >= c.cfg.MaxAttempts {
			c.setState(StateLost)
			return fmt.Errorf("%w after %d attempts: %v", ErrConnectionLost, failures, err)
		}
		c.setState(StateReconnecting)
		slog.Debug("websocket reconnecting", "attempt", failures, "error", err)
		if err := c.cfg.Backoff.Wait(ctx, failures); err != nil {
			c.setState(StateClosed)
			return err
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	opts := &websocket.DialOptions{}
	if c.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.cfg.Token}}
	}
	conn, resp, err := websocket.Dial(ctx, c.cfg.URL, opts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// session reads events and sends pings until the connection drops.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) error {
	defer conn.CloseNow()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(c.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-sctx.Done():
				return
			case <-ticker.C:
				if err := wsjson.Write(sctx, conn, ClientMessage{Type: MsgPing}); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var ev event.Event
		if err := wsjson.Read(sctx, conn, &ev); err != nil {
			return err
		}
		if ev.Seq != 0 && ev.Seq <= c.lastSeq {
			continue
		}
		if ev.Seq > c.lastSeq {
			c.lastSeq = ev.Seq
		}
		if c.cfg.OnEvent != nil {
			c.cfg.OnEvent(ev)
		}
		if terminalStatus(ev) {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return errRunFinished
		}
	}
}
