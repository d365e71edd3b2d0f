// Package transport carries bucket channels over one websocket connection.
//
// Frames are "<channel number>:<message>". The socket adds and strips the
// channel number, so each Endpoint sends and receives plain
// "<command>:<payload>" messages. Heartbeats are "h:<n>" frames without a
// channel number.
//
// The socket reconnects with exponential backoff until it is closed. Every
// endpoint's handler is told about each connect and disconnect.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/coder/websocket"
)

// ErrNotConnected is returned by Send while the socket is down.
var ErrNotConnected = errors.New("not connected")

// Handler receives the events of one endpoint.
type Handler interface {
	OnConnect()
	OnDisconnect()
	OnMessage(msg string)
}

// Config holds socket configuration.
type Config struct {
	// URL of the websocket endpoint
	URL string

	// Heartbeat is the idle interval after which a heartbeat is sent.
	// The connection is dropped after three intervals without any frame.
	Heartbeat time.Duration

	// InitialBackoff and MaxBackoff bound the reconnect delay
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// WriteTimeout bounds each frame write
	WriteTimeout time.Duration

	// ReadLimit is the largest frame accepted, in bytes
	ReadLimit int64

	// Logger for socket activity
	Logger *log.Logger

	// Verbose logs every frame
	Verbose bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Heartbeat:      20 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadLimit:      16 << 20,
		Logger:         log.New(os.Stderr, "[socket] ", log.LstdFlags),
	}
}

// Socket multiplexes endpoints over one websocket connection.
type Socket struct {
	config *Config

	mu        sync.Mutex
	endpoints []*Endpoint
	conn      *websocket.Conn

	writeMu sync.Mutex

	heartbeatMu  sync.Mutex
	heartbeat    int
	lastActivity time.Time

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a socket for config.URL. Call Start to connect.
func New(config *Config) (*Socket, error) {
	if config == nil || config.URL == "" {
		return nil, fmt.Errorf("url cannot be empty")
	}
	defaults := DefaultConfig()
	if config.Heartbeat <= 0 {
		config.Heartbeat = defaults.Heartbeat
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = defaults.ReadLimit
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Socket{
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Endpoint is one channel of the socket. It implements the Send side of a
// bucket channel's transport.
type Endpoint struct {
	socket *Socket
	number int

	mu      sync.RWMutex
	handler Handler
}

// Endpoint allocates the next channel number. Endpoints must be created
// before Start.
func (s *Socket) Endpoint() *Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep := &Endpoint{socket: s, number: len(s.endpoints)}
	s.endpoints = append(s.endpoints, ep)
	return ep
}

// Number returns the channel number of the endpoint.
func (e *Endpoint) Number() int { return e.number }

// SetHandler attaches the receiver of the endpoint's events. If the socket
// is already connected, h is told at once.
func (e *Endpoint) SetHandler(h Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
	if h != nil && e.socket.Connected() {
		h.OnConnect()
	}
}

func (e *Endpoint) current() Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handler
}

// Send writes msg on the endpoint's channel.
func (e *Endpoint) Send(msg string) error {
	return e.socket.write(strconv.Itoa(e.number) + ":" + msg)
}

// Connected reports whether the websocket is open.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Start connects in the background and keeps reconnecting until Close.
func (s *Socket) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("socket already started")
	}
	s.started = true

	s.wg.Add(1)
	go s.run()
	return nil
}

// Close disconnects and stops reconnecting.
func (s *Socket) Close() error {
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
	}
	s.wg.Wait()
	return nil
}

// run is the connect/read/reconnect loop.
func (s *Socket) run() {
	defer s.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.config.InitialBackoff
	policy.MaxInterval = s.config.MaxBackoff
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		conn, err := s.dial()
		if err == nil {
			policy.Reset()
			s.serve(conn)
		} else if s.ctx.Err() == nil {
			s.config.Logger.Printf("WARNING: failed to connect to %s: %v", s.config.URL, err)
		}
		if s.ctx.Err() != nil {
			return
		}

		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			delay = s.config.MaxBackoff
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Socket) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.WriteTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, s.config.URL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(s.config.ReadLimit)
	return conn, nil
}

// serve runs one connection until it fails.
func (s *Socket) serve(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	endpoints := append([]*Endpoint(nil), s.endpoints...)
	s.mu.Unlock()

	s.heartbeatMu.Lock()
	s.heartbeat = 0
	s.lastActivity = time.Now()
	s.heartbeatMu.Unlock()

	s.config.Logger.Printf("Connected to %s", s.config.URL)
	for _, ep := range endpoints {
		if h := ep.current(); h != nil {
			h.OnConnect()
		}
	}

	ctx, cancel := context.WithCancel(s.ctx)
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		s.heartbeatLoop(ctx, conn)
	}()

	err := s.readLoop(ctx, conn)
	cancel()
	hb.Wait()

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, "")

	if s.ctx.Err() == nil {
		s.config.Logger.Printf("Disconnected from %s: %v", s.config.URL, err)
	}
	for _, ep := range endpoints {
		if h := ep.current(); h != nil {
			h.OnDisconnect()
		}
	}
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		s.touch()
		s.dispatch(string(data))
	}
}

// dispatch routes one inbound frame.
func (s *Socket) dispatch(frame string) {
	if s.config.Verbose {
		s.config.Logger.Printf("<= %s", frame)
	}

	prefix, msg, ok := strings.Cut(frame, ":")
	if !ok {
		s.config.Logger.Printf("WARNING: dropping unframed message %q", frame)
		return
	}
	if prefix == "h" {
		if n, err := strconv.Atoi(msg); err == nil {
			s.heartbeatMu.Lock()
			if n > s.heartbeat {
				s.heartbeat = n
			}
			s.heartbeatMu.Unlock()
		}
		return
	}

	number, err := strconv.Atoi(prefix)
	if err != nil {
		s.config.Logger.Printf("WARNING: dropping frame with bad channel %q", prefix)
		return
	}
	s.mu.Lock()
	var ep *Endpoint
	if number >= 0 && number < len(s.endpoints) {
		ep = s.endpoints[number]
	}
	s.mu.Unlock()
	if ep == nil {
		s.config.Logger.Printf("WARNING: dropping frame for unknown channel %d", number)
		return
	}
	if h := ep.current(); h != nil {
		h.OnMessage(msg)
	}
}

// heartbeatLoop sends "h:<n>" when the connection has been idle for a
// heartbeat interval, and drops it after three silent intervals.
func (s *Socket) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	interval := s.config.Heartbeat
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.heartbeatMu.Lock()
		idle := time.Since(s.lastActivity)
		n := s.heartbeat
		s.heartbeatMu.Unlock()

		if idle > 3*interval {
			s.config.Logger.Printf("WARNING: no frames for %s, reconnecting", idle.Round(time.Millisecond))
			_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
			return
		}
		if idle < interval {
			continue
		}
		if err := s.write("h:" + strconv.Itoa(n)); err != nil {
			s.config.Logger.Printf("WARNING: failed to send heartbeat: %v", err)
			continue
		}
		s.heartbeatMu.Lock()
		s.heartbeat = n + 1
		s.heartbeatMu.Unlock()
	}
}

// touch records inbound activity.
func (s *Socket) touch() {
	s.heartbeatMu.Lock()
	s.lastActivity = time.Now()
	s.heartbeatMu.Unlock()
}

// write sends one frame on the current connection.
func (s *Socket) write(frame string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if s.config.Verbose {
		s.config.Logger.Printf("=> %s", frame)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(s.ctx, s.config.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
