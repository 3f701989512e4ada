package phoneme

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	PingInterval     = 30 * time.Second
	PongTimeout      = 60 * time.Second
	HandshakeTimeout = 10 * time.Second
	CloseGracePeriod = time.Second
)

// ErrClosed is returned by ReadMessage once the peer or the local side
// has closed the connection normally.
var ErrClosed = errors.New("connection closed")

type DialOptions struct {
	Endpoint           string
	InsecureSkipVerify bool
	PingInterval       time.Duration
	Header             http.Header
	Logger             *log.Logger
}

// Conn is one phoneme-match WebSocket connection. Writes may come from
// one goroutine while another reads.
type Conn struct {
	ws     *websocket.Conn
	logger *log.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func Dial(ctx context.Context, opts DialOptions) (*Conn, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: HandshakeTimeout,
	}
	if opts.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	ws, _, err := dialer.DialContext(ctx, endpoint, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	c := &Conn{
		ws:     ws,
		logger: logger,
		done:   make(chan struct{}),
	}

	if opts.PingInterval > 0 {
		ws.SetReadDeadline(time.Now().Add(PongTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(PongTimeout))
		})
		go c.keepAlive(opts.PingInterval)
	}

	return c, nil
}

func (c *Conn) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			err := c.ws.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(PongTimeout),
			)
			if err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// WriteHandshake sends the expected phonemes. It must be the first frame.
func (c *Conn) WriteHandshake(expected Phonemes) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	msg := Handshake{ExpectedPhonemes: []string(expected)}
	if msg.ExpectedPhonemes == nil {
		msg.ExpectedPhonemes = []string{}
	}
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}
	return nil
}

// WriteAudio sends one chunk as a binary frame and returns its size in
// bytes.
func (c *Conn) WriteAudio(samples []float32) (int, error) {
	data := EncodePCM(samples)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return 0, fmt.Errorf("failed to send audio data: %w", err)
	}
	return len(data), nil
}

// ReadMessage blocks until the next text frame arrives. Binary frames
// from the server are skipped.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil, ErrClosed
			default:
			}
			if websocket.IsCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
			) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("WebSocket read failed: %w", err)
		}
		if mt != websocket.TextMessage {
			c.logger.Debug("skip frame", "type", mt, "bytes", len(data))
			continue
		}
		return data, nil
	}
}

// Close sends a close frame, waiting at most CloseGracePeriod, and then
// drops the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		err := c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(CloseGracePeriod),
		)
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug("close frame not sent", "error", err)
		}

		if err := c.ws.Close(); err != nil {
			c.closeErr = fmt.Errorf("failed to close WebSocket connection: %w", err)
		}
	})
	return c.closeErr
}
