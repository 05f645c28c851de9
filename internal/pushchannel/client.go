package pushchannel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	subprotocolSTOMP12      = "v12.stomp"
	defaultTopicPrefix      = "/topic/"
	defaultHandshakeTimeout = 10 * time.Second
	defaultCloseTimeout     = 2 * time.Second
	defaultReadLimit        = 1 << 20
)

var ErrClosed = errors.New("push channel closed")

// ServerError is an ERROR frame sent by the broker.
type ServerError struct {
	Message string
	Body    string
}

func (e *ServerError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("stomp error: %s: %s", e.Message, e.Body)
	}
	return "stomp error: " + e.Message
}

// Message is one MESSAGE frame, addressed by the bare topic name.
type Message struct {
	Topic string
	Body  []byte
}

type Options struct {
	// Host is the STOMP virtual host; it defaults to the URL host.
	Host     string
	Login    string
	Passcode string
	// Token is sent as a bearer Authorization header on the handshake.
	Token            string
	TopicPrefix      string
	HandshakeTimeout time.Duration
	HTTPClient       *http.Client
	Logger           zerolog.Logger
}

// Client is a STOMP 1.2 session over one websocket connection.
type Client struct {
	conn   *websocket.Conn
	prefix string
	logger zerolog.Logger

	mu      sync.Mutex
	subs    map[string]string
	nextSub int

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Dial opens the websocket at rawURL and completes the STOMP handshake.
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("push channel url must use ws or wss, got %q", parsed.Scheme)
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	handshakeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	if token := strings.TrimSpace(opts.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(handshakeCtx, parsed.String(), &websocket.DialOptions{
		HTTPClient:   opts.HTTPClient,
		HTTPHeader:   header,
		Subprotocols: []string{subprotocolSTOMP12},
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(defaultReadLimit)

	prefix := opts.TopicPrefix
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	c := &Client{
		conn:   conn,
		prefix: prefix,
		logger: opts.Logger,
		subs:   map[string]string{},
		closed: make(chan struct{}),
	}

	host := opts.Host
	if host == "" {
		host = parsed.Hostname()
	}
	connect := NewFrame(CommandConnect, "accept-version", "1.2", "host", host, "heart-beat", "0,0")
	if opts.Login != "" {
		connect.Headers = append(connect.Headers, Header{Key: "login", Value: opts.Login}, Header{Key: "passcode", Value: opts.Passcode})
	}
	if err := c.send(handshakeCtx, connect); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, err
	}
	reply, err := c.readFrame(handshakeCtx)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, err
	}
	if reply.Command != CommandConnected {
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake rejected")
		return nil, fmt.Errorf("expected CONNECTED, got %s", reply.Command)
	}
	if version, _ := reply.Header("version"); version != "" && version != "1.2" {
		c.logger.Debug().Str("version", version).Msg("broker negotiated older stomp version")
	}
	return c, nil
}

// Subscribe subscribes to each topic under the topic prefix.
func (c *Client) Subscribe(ctx context.Context, topics []string) error {
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		c.mu.Lock()
		id := "sub-" + strconv.Itoa(c.nextSub)
		c.nextSub++
		c.subs[id] = topic
		c.mu.Unlock()

		frame := NewFrame(CommandSubscribe, "id", id, "destination", c.prefix+topic, "ack", "auto")
		if err := c.send(ctx, frame); err != nil {
			return err
		}
		c.logger.Debug().Str("topic", topic).Str("subscription", id).Msg("subscribed")
	}
	return nil
}

// Next blocks for the next MESSAGE frame. Heart-beats and receipts are
// skipped; an ERROR frame is returned as *ServerError.
func (c *Client) Next(ctx context.Context) (Message, error) {
	for {
		frame, err := c.readFrame(ctx)
		if err != nil {
			return Message{}, err
		}
		switch frame.Command {
		case CommandMessage:
			return Message{Topic: c.topicOf(frame), Body: frame.Body}, nil
		case CommandError:
			msg, _ := frame.Header("message")
			return Message{}, &ServerError{Message: msg, Body: string(frame.Body)}
		default:
			c.logger.Debug().Str("command", frame.Command).Msg("ignoring frame")
		}
	}
}

// Receive is Next in the form the sync dispatcher consumes.
func (c *Client) Receive(ctx context.Context) (string, []byte, error) {
	msg, err := c.Next(ctx)
	return msg.Topic, msg.Body, err
}

// Close unsubscribes, sends DISCONNECT and closes the websocket. Calling it
// again returns the first result.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		ctx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
		defer cancel()

		c.mu.Lock()
		ids := make([]string, 0, len(c.subs))
		for id := range c.subs {
			ids = append(ids, id)
		}
		c.subs = map[string]string{}
		c.mu.Unlock()

		for _, id := range ids {
			if err := c.send(ctx, NewFrame(CommandUnsubscribe, "id", id)); err != nil {
				break
			}
		}
		_ = c.send(ctx, NewFrame(CommandDisconnect))
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return c.closeErr
}

func (c *Client) topicOf(frame Frame) string {
	if id, ok := frame.Header("subscription"); ok {
		c.mu.Lock()
		topic, known := c.subs[id]
		c.mu.Unlock()
		if known {
			return topic
		}
	}
	destination, _ := frame.Header("destination")
	return strings.TrimPrefix(destination, c.prefix)
}

func (c *Client) send(ctx context.Context, frame Frame) error {
	return c.conn.Write(ctx, websocket.MessageText, frame.Encode())
}

func (c *Client) readFrame(ctx context.Context) (Frame, error) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			select {
			case <-c.closed:
				return Frame{}, ErrClosed
			default:
			}
			return Frame{}, err
		}
		frame, ok, err := Decode(data)
		if err != nil {
			return Frame{}, err
		}
		if ok {
			return frame, nil
		}
	}
}
