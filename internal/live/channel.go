// Package live keeps a standing subscription to server-pushed topics so views
// know when to re-fetch. Messages are notifications, never authoritative data,
// and delivery is best effort: nothing missed during a reconnect is replayed.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultReconnectDelay = 3 * time.Second

	// EndpointPath is the raw websocket endpoint of the broker's SockJS mount.
	EndpointPath = "/ws/websocket"
)

// Message is one notification received on a subscribed topic. Payload holds
// the JSON-decoded body, or the body as a string when it isn't JSON.
type Message struct {
	Topic   string
	Payload any
	Raw     string
}

// Handler is called once per message, in delivery order, from the channel's
// reader goroutine. It must not call Connect or Close on the same channel.
type Handler func(Message)

type Option func(*Channel)

func WithDialer(d Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

func WithReconnectDelay(d time.Duration) Option {
	return func(c *Channel) { c.reconnectDelay = d }
}

// WithDebug logs connection failures and frames at debug level.
func WithDebug(debug bool) Option {
	return func(c *Channel) { c.debug = debug }
}

// Channel owns at most one broker connection at a time.
type Channel struct {
	dialer         Dialer
	reconnectDelay time.Duration
	debug          bool

	mu     sync.Mutex
	key    string
	cancel context.CancelFunc
	done   chan struct{}

	connected atomic.Bool
}

func New(opts ...Option) *Channel {
	c := &Channel{
		dialer:         WebSocketDialer{},
		reconnectDelay: DefaultReconnectDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect subscribes to topics on the broker at baseURL and delivers every
// message to onMessage. Calling it again with the same baseURL and topics is a
// no-op; anything else tears down the current connection first. An empty
// topic list only tears down.
func (c *Channel) Connect(baseURL string, topics []string, onMessage Handler) error {
	endpoint, err := EndpointURL(baseURL)
	if err != nil {
		return err
	}
	key := endpoint + "\n" + strings.Join(topics, "\n")

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil && c.key == key {
		return nil
	}
	c.stopLocked()
	if len(topics) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.key = key
	c.cancel = cancel
	c.done = done

	go c.run(ctx, endpoint, slices.Clone(topics), onMessage, done)
	return nil
}

// Close tears down the connection and cancels any pending reconnect. It is
// safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// Connected reports whether the channel currently holds a subscribed
// connection.
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

func (c *Channel) stopLocked() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
	c.key = ""
}

func (c *Channel) run(ctx context.Context, endpoint string, topics []string, onMessage Handler, done chan struct{}) {
	defer close(done)

	for {
		err := c.session(ctx, endpoint, topics, onMessage)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		if c.debug {
			log.Debug().Err(err).Str("endpoint", endpoint).Dur("delay", c.reconnectDelay).Msg("live connection lost, reconnecting")
		}

		timer := time.NewTimer(c.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection from dial to disconnect.
func (c *Channel) session(ctx context.Context, endpoint string, topics []string, onMessage Handler) error {
	conn, err := c.dialer.Dial(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	s := &stompSession{conn: conn}
	stop := context.AfterFunc(ctx, func() {
		s.send(frame.New(frame.DISCONNECT))
		conn.Close()
	})
	defer func() {
		if stop() {
			conn.Close()
		}
	}()

	host := ""
	if u, err := url.Parse(endpoint); err == nil {
		host = u.Hostname()
	}
	if err := s.handshake(host); err != nil {
		return err
	}

	subs := make(map[string]string, len(topics))
	for _, topic := range topics {
		id := uuid.NewString()
		subs[id] = topic
		err := s.send(frame.New(frame.SUBSCRIBE, frame.Id, id, frame.Destination, topic, frame.Ack, "auto"))
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}
	c.connected.Store(true)
	if c.debug {
		log.Debug().Str("endpoint", endpoint).Strs("topics", topics).Msg("live channel subscribed")
	}

	for {
		frames, err := s.read()
		if err != nil {
			return err
		}
		for _, f := range frames {
			switch f.Command {
			case frame.MESSAGE:
				topic, ok := subs[f.Header.Get(frame.Subscription)]
				if !ok {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				onMessage(NewMessage(topic, f.Body))
			case frame.ERROR:
				return fmt.Errorf("broker error: %s", f.Header.Get(frame.Message))
			}
		}
	}
}

// NewMessage decodes body as JSON, falling back to the raw string.
func NewMessage(topic string, body []byte) Message {
	msg := Message{Topic: topic, Raw: string(body)}
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		msg.Payload = msg.Raw
	} else {
		msg.Payload = payload
	}
	return msg
}

// EndpointURL maps the broker's HTTP base URL to its websocket endpoint.
func EndpointURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid live base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid live base url %q: unsupported scheme", baseURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid live base url %q: missing host", baseURL)
	}
	u.Path += EndpointPath
	return u.String(), nil
}

type stompSession struct {
	conn Conn

	writeMu sync.Mutex
	pending []*frame.Frame
}

func (s *stompSession) send(f *frame.Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(data)
}

// read returns the next frames, starting with any left over from the
// handshake.
func (s *stompSession) read() ([]*frame.Frame, error) {
	if len(s.pending) > 0 {
		frames := s.pending
		s.pending = nil
		return frames, nil
	}
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		frames, err := DecodeFrames(data)
		if err != nil {
			return nil, err
		}
		if len(frames) > 0 {
			return frames, nil
		}
	}
}

var errNotConnected = errors.New("broker did not acknowledge connect")

func (s *stompSession) handshake(host string) error {
	err := s.send(frame.New(frame.CONNECT, frame.AcceptVersion, "1.2", frame.Host, host, frame.HeartBeat, "0,0"))
	if err != nil {
		return fmt.Errorf("failed to send connect: %w", err)
	}

	frames, err := s.read()
	if err != nil {
		return fmt.Errorf("failed to read connect reply: %w", err)
	}
	switch frames[0].Command {
	case frame.CONNECTED:
		s.pending = frames[1:]
		return nil
	case frame.ERROR:
		return fmt.Errorf("broker refused connect: %s", frames[0].Header.Get(frame.Message))
	default:
		return fmt.Errorf("%w: got %s", errNotConnected, frames[0].Command)
	}
}
