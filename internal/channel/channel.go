package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/ghostsync/internal/jsondiff"
	"github.com/steveyegge/ghostsync/internal/queue"
	"github.com/steveyegge/ghostsync/internal/schema"
	"github.com/steveyegge/ghostsync/internal/storage"
)

// Transport delivers outbound messages for one bucket. The transport adds
// and strips its own framing.
type Transport interface {
	Send(msg string) error
}

// State is the connection state of a channel.
type State int

const (
	StateClosed State = iota
	StateConnected
	StateStarted
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateStarted:
		return "started"
	default:
		return "closed"
	}
}

// IndexStatus tracks retrieval of the authoritative index.
type IndexStatus int

const (
	NoIndex IndexStatus = iota
	IndexPending
	HasIndex
)

// String returns a human-readable representation of the status.
func (s IndexStatus) String() string {
	switch s {
	case IndexPending:
		return "pending"
	case HasIndex:
		return "complete"
	default:
		return "none"
	}
}

// AuthStatus tracks whether the authority accepted our token.
type AuthStatus int

const (
	AuthUnknown AuthStatus = iota
	Authorized
	NotAuthorized
)

// String returns a human-readable representation of the status.
func (s AuthStatus) String() string {
	switch s {
	case Authorized:
		return "authorized"
	case NotAuthorized:
		return "not authorized"
	default:
		return "unknown"
	}
}

// Log levels requested by the remote with log:<level>.
const (
	LogOff     = 0
	LogNormal  = 1
	LogVerbose = 2
)

// RetryPolicy bounds how often a change rejected as stale is resent.
type RetryPolicy struct {
	// MaxRetries is how many resends are allowed before the change is dropped.
	MaxRetries int
	// FullObjectAfter is the retry count from which resends carry the full object.
	FullObjectAfter int
}

// DefaultRetryPolicy returns the default policy: one diff attempt, then up
// to three full-object resends.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, FullObjectAfter: 1}
}

// Config holds configuration for a channel.
type Config struct {
	// AppID and Token authenticate the init handshake
	AppID string
	Token string

	// ClientID identifies this client in remote changes
	ClientID string

	// Library and Version are reported in the init handshake
	Library string
	Version string

	// PageSize is the number of index entries requested per page
	PageSize int

	// Retry bounds resends of conflicting changes
	Retry RetryPolicy

	// Differ computes and merges diffs
	Differ *jsondiff.Differ

	// Logger for channel activity
	Logger *log.Logger

	// Verbose logs every inbound and outbound message
	Verbose bool

	// StaleResend is how long after authorization changes left pending by
	// an earlier connection are resent when no catch-up answer arrives
	StaleResend time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Library:  "ghostsync",
		Version:  "0.1.0",
		PageSize: schema.DefaultPageSize,
		Retry:       DefaultRetryPolicy(),
		Differ:      jsondiff.New(jsondiff.Options{}),
		Logger:      log.New(os.Stderr, "[channel] ", log.LstdFlags),
		StaleResend: 5 * time.Second,
	}
}

// Status is a point-in-time view of a channel.
type Status struct {
	Bucket  string      `json:"bucket"`
	State   State       `json:"state"`
	Index   IndexStatus `json:"index"`
	Auth    AuthStatus  `json:"auth"`
	User    string      `json:"user,omitempty"`
	Queued  int         `json:"queued"`
	Pending int         `json:"pending"`
}

// Channel runs the sync protocol for one bucket.
//
// All state changes happen on a single goroutine. Exported methods hand
// work to that goroutine, so inbound messages and local saves are processed
// in the order they arrive.
type Channel struct {
	bucket    string
	store     storage.Store
	queue     *queue.Queue
	transport Transport
	config    *Config
	observers *Observers

	tasks  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Owned by the run goroutine.
	connected      bool
	startRequested bool
	started        bool
	index          IndexStatus
	auth           AuthStatus
	user           string
	indexKeys      map[string]bool
	remoteLogLevel int

	// stale holds ids of changes sent on an earlier connection that are
	// still waiting for an ack.
	stale      map[string]bool
	staleTimer *time.Timer
}

// New creates a channel for bucket and restores its saved queue.
func New(bucket string, store storage.Store, transport Transport) (*Channel, error) {
	return NewWithConfig(bucket, store, transport, DefaultConfig())
}

// NewWithConfig creates a channel with custom configuration.
func NewWithConfig(bucket string, store storage.Store, transport Transport, config *Config) (*Channel, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket cannot be empty")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Differ == nil {
		config.Differ = jsondiff.New(jsondiff.Options{})
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[channel] ", log.LstdFlags)
	}
	if config.PageSize <= 0 {
		config.PageSize = schema.DefaultPageSize
	}
	if config.StaleResend <= 0 {
		config.StaleResend = 5 * time.Second
	}
	if config.ClientID == "" {
		config.ClientID = schema.NewChangeID()
	}

	q, err := queue.NewWithConfig(bucket, store, &queue.Config{
		Differ: config.Differ,
		Logger: config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create queue for %s: %w", bucket, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		bucket:    bucket,
		store:     store,
		queue:     q,
		transport: transport,
		config:    config,
		observers: &Observers{},
		tasks:     make(chan func(), 256),
		ctx:       ctx,
		cancel:    cancel,
		indexKeys: make(map[string]bool),
		stale:     make(map[string]bool),
	}
	c.markStale()

	c.wg.Add(1)
	go c.run()
	return c, nil
}

// run executes tasks one at a time until the channel is closed.
func (c *Channel) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case task := <-c.tasks:
			task()
		}
	}
}

// do schedules task on the run goroutine.
func (c *Channel) do(task func()) {
	select {
	case c.tasks <- task:
	case <-c.ctx.Done():
	}
}

// call runs fn on the run goroutine and waits for its result.
func (c *Channel) call(fn func() error) error {
	done := make(chan error, 1)
	select {
	case c.tasks <- func() { done <- fn() }:
	case <-c.ctx.Done():
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// Barrier waits until every task scheduled before it has run.
func (c *Channel) Barrier() {
	_ = c.call(func() error { return nil })
}

// Close stops the run goroutine. Queued changes stay in the store.
func (c *Channel) Close() error {
	c.cancel()
	c.wg.Wait()
	if c.staleTimer != nil {
		c.staleTimer.Stop()
	}
	return nil
}

// Bucket returns the bucket name.
func (c *Channel) Bucket() string { return c.bucket }

// ClientID returns the id this channel reports to the authority.
func (c *Channel) ClientID() string { return c.config.ClientID }

// AddListener registers a listener. See the *Listener interfaces.
func (c *Channel) AddListener(l any) { c.observers.Add(l) }

// RemoveListener unregisters a listener.
func (c *Channel) RemoveListener(l any) { c.observers.Remove(l) }

// OnConnect is called by the transport when the connection opens.
func (c *Channel) OnConnect() {
	c.do(func() {
		c.connected = true
		c.logf(LogVerbose, "Connected")
		if c.startRequested && !c.started {
			c.sendInit()
		}
	})
}

// OnDisconnect is called by the transport when the connection drops.
// Queued and pending changes are kept. Pending ones are not resent right
// after the next authorization; they are resent once the catch-up has been
// answered, so acks the authority still owes us arrive first.
func (c *Channel) OnDisconnect() {
	c.do(func() {
		wasStarted := c.started
		c.connected = false
		c.started = false
		c.auth = AuthUnknown
		c.markStale()
		if c.index == IndexPending {
			c.index = NoIndex
		}
		c.logf(LogVerbose, "Disconnected")
		if wasStarted {
			c.observers.Each(func(l any) {
				if cl, ok := l.(CloseListener); ok {
					cl.OnClose(c.bucket)
				}
			})
		}
	})
}

// OnMessage is called by the transport for every inbound message.
func (c *Channel) OnMessage(raw string) {
	c.ReceiveMessage(raw)
}

// Start asks the channel to start syncing. If the connection is not open
// yet, the channel starts as soon as it is.
func (c *Channel) Start() {
	c.do(func() {
		c.startRequested = true
		if c.connected && !c.started {
			c.sendInit()
		}
	})
}

// Stop stops sending and receiving changes until Start is called again.
func (c *Channel) Stop() {
	c.do(func() {
		wasStarted := c.started
		c.startRequested = false
		c.started = false
		if wasStarted {
			c.observers.Each(func(l any) {
				if cl, ok := l.(CloseListener); ok {
					cl.OnClose(c.bucket)
				}
			})
		}
	})
}

// ReceiveMessage handles one inbound "<command>:<payload>" message.
func (c *Channel) ReceiveMessage(raw string) {
	c.do(func() {
		if err := c.receive(raw); err != nil {
			c.logf(LogNormal, "WARNING: %v", err)
		}
	})
}

// Save stores value as the live object for key and queues the change.
func (c *Channel) Save(key string, value jsondiff.Value) (*schema.Change, error) {
	var change *schema.Change
	err := c.call(func() error {
		if err := c.store.PutObject(c.bucket, key, value); err != nil {
			return fmt.Errorf("failed to save %s: %w", key, err)
		}
		ch, err := c.queue.QueueLocalChange(key, value)
		if err != nil {
			return fmt.Errorf("failed to queue change for %s: %w", key, err)
		}
		change = ch
		c.flush()
		return nil
	})
	return change, err
}

// Delete removes the live object for key and queues the deletion.
func (c *Channel) Delete(key string) (*schema.Change, error) {
	var change *schema.Change
	err := c.call(func() error {
		if err := c.store.DeleteObject(c.bucket, key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
		ch, err := c.queue.QueueLocalDeletion(key)
		if err != nil {
			return fmt.Errorf("failed to queue deletion of %s: %w", key, err)
		}
		change = ch
		c.flush()
		return nil
	})
	return change, err
}

// RequeuePending moves in-flight changes back to the queue and sends them
// again if the channel is started.
func (c *Channel) RequeuePending() (int, error) {
	var n int
	err := c.call(func() error {
		moved, err := c.queue.RequeuePending()
		n = moved
		if err != nil {
			return err
		}
		c.flush()
		return nil
	})
	return n, err
}

// Reset drops all local state of the bucket and, when started, fetches the
// index again.
func (c *Channel) Reset() error {
	return c.call(func() error {
		if err := c.queue.Reset(); err != nil {
			return fmt.Errorf("failed to reset queue: %w", err)
		}
		if err := c.store.ResetBucket(c.bucket); err != nil {
			return fmt.Errorf("failed to reset bucket: %w", err)
		}
		c.index = NoIndex
		c.indexKeys = make(map[string]bool)
		if c.started {
			c.requestIndex("")
		}
		return nil
	})
}

// HaveCompleteIndex reports whether the full index has been received.
func (c *Channel) HaveCompleteIndex() bool {
	var complete bool
	_ = c.call(func() error {
		complete = c.index == HasIndex
		return nil
	})
	return complete
}

// Status returns a snapshot of the channel state.
func (c *Channel) Status() Status {
	var st Status
	_ = c.call(func() error {
		st = c.status()
		return nil
	})
	return st
}

func (c *Channel) status() Status {
	state := StateClosed
	if c.connected {
		state = StateConnected
	}
	if c.started {
		state = StateStarted
	}
	queued, pending := c.queue.Counts()
	return Status{
		Bucket:  c.bucket,
		State:   state,
		Index:   c.index,
		Auth:    c.auth,
		User:    c.user,
		Queued:  queued,
		Pending: pending,
	}
}

// send writes one message to the transport.
func (c *Channel) send(cmd, payload string) error {
	msg := schema.FormatMessage(cmd, payload)
	if c.config.Verbose {
		c.config.Logger.Printf("%s => %s", c.bucket, msg)
	}
	if err := c.transport.Send(msg); err != nil {
		c.config.Logger.Printf("WARNING: failed to send %s message for %s: %v", cmd, c.bucket, err)
		return err
	}
	return nil
}

// sendInit starts the channel: handshake plus index request or cursor.
func (c *Channel) sendInit() {
	cv, err := c.store.GetChangeVersion(c.bucket)
	if err != nil {
		c.logf(LogNormal, "WARNING: failed to read change version: %v", err)
	}

	init := schema.InitMessage{
		ClientID: c.config.ClientID,
		API:      schema.APIVersion,
		Token:    c.config.Token,
		AppID:    c.config.AppID,
		Name:     c.bucket,
		Library:  c.config.Library,
		Version:  c.config.Version,
	}
	if cv == "" {
		init.Cmd = schema.FormatMessage(schema.CmdIndex, c.indexRequest(""))
		c.index = IndexPending
		c.indexKeys = make(map[string]bool)
	} else {
		c.index = HasIndex
	}

	data, err := json.Marshal(init)
	if err != nil {
		c.logf(LogNormal, "WARNING: failed to marshal init: %v", err)
		return
	}
	c.started = true
	c.send(schema.CmdInit, string(data))
	if cv != "" {
		c.send(schema.CmdChangeVersion, cv)
	}
}

func (c *Channel) indexRequest(mark string) string {
	return schema.IndexRequest{IncludeData: true, Mark: mark, Limit: c.config.PageSize}.String()
}

// requestIndex asks for an index page starting at mark. An empty mark
// starts a full index retrieval.
func (c *Channel) requestIndex(mark string) {
	if mark == "" {
		c.index = IndexPending
		c.indexKeys = make(map[string]bool)
	}
	c.send(schema.CmdIndex, c.indexRequest(mark))
}

// canSend reports whether changes may be sent now.
func (c *Channel) canSend() bool {
	return c.connected && c.started && c.auth == Authorized
}

// eligible holds back keys not yet confirmed by an incomplete index.
func (c *Channel) eligible(key string) bool {
	return c.index == HasIndex || c.indexKeys[key]
}

// flush sends every change that can go out now.
func (c *Channel) flush() {
	for c.canSend() {
		change, err := c.queue.Next(c.eligible)
		if err != nil {
			c.logf(LogNormal, "WARNING: failed to dequeue change: %v", err)
			return
		}
		if change == nil {
			return
		}
		data, err := change.EncodeWire()
		if err != nil {
			c.logf(LogNormal, "WARNING: dropping unencodable change %s: %v", change.ID, err)
			_, _ = c.queue.Drop(change.ID)
			continue
		}
		if err := c.send(schema.CmdChange, string(data)); err != nil {
			if _, err := c.queue.Unsend(change.ID); err != nil {
				c.logf(LogNormal, "WARNING: failed to put back change %s: %v", change.ID, err)
			}
			return
		}
	}
}

// markStale records every pending change as sent on a connection that is
// gone.
func (c *Channel) markStale() {
	for _, ch := range c.queue.Pending() {
		c.stale[ch.ID] = true
	}
}

// armStaleResend schedules resendStale in case the catch-up is never
// answered.
func (c *Channel) armStaleResend() {
	if len(c.stale) == 0 {
		return
	}
	if c.staleTimer != nil {
		c.staleTimer.Stop()
	}
	c.staleTimer = time.AfterFunc(c.config.StaleResend, func() {
		c.do(c.resendStale)
	})
}

// resendStale puts changes that were pending before the last reconnect and
// are still unacknowledged back at the front of the queue and flushes.
func (c *Channel) resendStale() {
	if len(c.stale) == 0 || !c.canSend() {
		return
	}
	if c.staleTimer != nil {
		c.staleTimer.Stop()
		c.staleTimer = nil
	}
	pending := c.queue.Pending()
	for i := len(pending) - 1; i >= 0; i-- {
		ch := pending[i]
		if !c.stale[ch.ID] {
			continue
		}
		if _, err := c.queue.Unsend(ch.ID); err != nil {
			c.logf(LogNormal, "WARNING: failed to resend change %s: %v", ch.ID, err)
			continue
		}
		c.logf(LogVerbose, "Resending unacknowledged change %s for %s", ch.ID, ch.Key)
	}
	c.stale = make(map[string]bool)
	c.flush()
}

// logf logs locally, notifies LogListeners and forwards the line to the
// remote when it asked for that level.
func (c *Channel) logf(level int, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if level <= LogNormal || c.config.Verbose {
		c.config.Logger.Printf("%s: %s", c.bucket, text)
	}
	c.observers.Each(func(l any) {
		if ll, ok := l.(LogListener); ok {
			ll.OnLog(level, text)
		}
	})
	if c.remoteLogLevel >= level && c.remoteLogLevel > LogOff && c.connected && c.started {
		data, err := json.Marshal(schema.LogMessage{Log: text, Bucket: c.bucket})
		if err == nil {
			c.send(schema.CmdLog, string(data))
		}
	}
}
