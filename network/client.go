package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/najoast/abnet/crypt"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ClientConfig configures a Client
type ClientConfig struct {
	// Address is the server host:port
	Address string

	// Identifier selects the service on the server; it is written as the
	// first byte of the first frame
	Identifier byte

	// Checksum adds a checksum to outbound frames and requires one inbound
	Checksum bool

	// Cipher, when set, encrypts every frame after the first and decrypts
	// every inbound frame
	Cipher *crypt.XTEA

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxDialFailures consecutive failures open the dial breaker for
	// BreakerTimeout
	MaxDialFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultClientConfig returns a client configuration for address
func DefaultClientConfig(address string, identifier byte) ClientConfig {
	return ClientConfig{
		Address:         address,
		Identifier:      identifier,
		Checksum:        true,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		MaxDialFailures: 3,
		BreakerTimeout:  10 * time.Second,
	}
}

// Client speaks the frame format from the other side of a Connection. It is
// used by tools and tests; it is not safe for concurrent Receive calls.
type Client struct {
	cfg     ClientConfig
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger

	mu        sync.Mutex
	conn      net.Conn
	sentFirst bool
	in        NetworkMessage
}

// NewClient creates a disconnected client
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	c := &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "client").Str("server", cfg.Address).Logger(),
	}
	maxFailures := cfg.MaxDialFailures
	if maxFailures == 0 {
		maxFailures = 1
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "dial " + cfg.Address,
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("dial breaker state changed")
		},
	})
	return c
}

// BreakerState returns the state of the dial breaker
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Connect dials the server through the breaker
func (c *Client) Connect(ctx context.Context) error {
	nc, err := c.breaker.Execute(func() (interface{}, error) {
		d := net.Dialer{Timeout: c.cfg.DialTimeout}
		return d.DialContext(ctx, "tcp", c.cfg.Address)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("connect %s: %w", c.cfg.Address, ErrCircuitOpen)
		}
		return fmt.Errorf("connect %s: %w", c.cfg.Address, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nc.(net.Conn)
	c.sentFirst = false
	return nil
}

// IsConnected reports whether the client holds a socket
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// NewMessage returns an output message for the next frame. The service
// identifier is already written if the first frame has not been sent yet.
func (c *Client) NewMessage() *OutputMessage {
	msg := NewOutputMessage()
	c.mu.Lock()
	first := !c.sentFirst
	c.mu.Unlock()
	if first {
		msg.AddByte(c.cfg.Identifier)
	}
	return msg
}

// Send seals msg and writes it
func (c *Client) Send(msg *OutputMessage) error {
	c.mu.Lock()
	conn := c.conn
	first := !c.sentFirst
	c.sentFirst = true
	c.mu.Unlock()

	if conn == nil {
		return ErrConnectionGone
	}

	if c.cfg.Cipher != nil && !first && !msg.EncryptXTEA(c.cfg.Cipher) {
		return fmt.Errorf("encrypt frame: %w", ErrBadFrame)
	}
	msg.AddCryptoHeader(c.cfg.Checksum)
	if !msg.Sealed() {
		return fmt.Errorf("seal frame: %w", ErrBadFrame)
	}

	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if _, err := conn.Write(msg.Frame()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive reads one frame. The returned message is reused by the next call.
func (c *Client) Receive() (*NetworkMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil, ErrConnectionGone
	}

	if c.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
	if _, err := io.ReadFull(conn, c.in.headerBuffer()); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	size := c.in.headerSize()
	if size == 0 || size >= MaxSize-frameSlack {
		return nil, fmt.Errorf("frame size %d: %w", size, ErrBadFrame)
	}
	if _, err := io.ReadFull(conn, c.in.prepareBody(size)); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if c.cfg.Checksum && !c.in.ReadChecksum() {
		return nil, fmt.Errorf("checksum mismatch: %w", ErrBadFrame)
	}
	if c.cfg.Cipher != nil && !c.in.decryptXTEA(c.cfg.Cipher) {
		return nil, fmt.Errorf("decrypt frame: %w", ErrBadFrame)
	}
	return &c.in, nil
}

// Close drops the socket
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
