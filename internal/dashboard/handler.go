package dashboard

import (
	"encoding/json"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/ghostsync/internal/channel"
	"github.com/steveyegge/ghostsync/internal/jsondiff"
	"github.com/steveyegge/ghostsync/internal/schema"
)

// NetworkChangeData describes a remote edit
type NetworkChangeData struct {
	Bucket string          `json:"bucket"`
	Kind   string          `json:"kind"` // insert, modify, remove, index
	Key    string          `json:"key,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// AuthData describes an auth result
type AuthData struct {
	Bucket string `json:"bucket"`
	Status string `json:"status"`
	User   string `json:"user,omitempty"`
	Error  string `json:"error,omitempty"`
}

// IndexCompleteData describes a finished index
type IndexCompleteData struct {
	Bucket string `json:"bucket"`
	Keys   int    `json:"keys"`
}

// ChangeErrorData describes a rejected local change
type ChangeErrorData struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	ChangeID string `json:"ccid"`
	Error    string `json:"error"`
}

// ConnectionData describes a bucket opening or closing
type ConnectionData struct {
	Bucket string `json:"bucket"`
	Open   bool   `json:"open"`
}

// BucketStats are the running counters of one bucket
type BucketStats struct {
	Open         bool   `json:"open"`
	Auth         string `json:"auth"`
	User         string `json:"user,omitempty"`
	IndexedKeys  int    `json:"indexed_keys"`
	Inserts      int    `json:"inserts"`
	Modifies     int    `json:"modifies"`
	Removes      int    `json:"removes"`
	ChangeErrors int    `json:"change_errors"`
}

// StatsData contains the counters of every bucket seen
type StatsData struct {
	Buckets map[string]*BucketStats `json:"buckets"`
}

// Handler receives channel events and broadcasts them as dashboard messages.
// Register it with Bucket.AddListener.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a new event handler connected to a dashboard server.
// New clients are greeted with the handler's stats.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	h := &Handler{
		server: server,
		logger: logger,
		stats:  StatsData{Buckets: make(map[string]*BucketStats)},
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// OnOpen marks the bucket open.
func (h *Handler) OnOpen(bucket string) {
	h.update(bucket, func(b *BucketStats) { b.Open = true })
	h.send(MessageTypeConnection, ConnectionData{Bucket: bucket, Open: true})
}

// OnClose marks the bucket closed.
func (h *Handler) OnClose(bucket string) {
	h.update(bucket, func(b *BucketStats) { b.Open = false })
	h.send(MessageTypeConnection, ConnectionData{Bucket: bucket, Open: false})
}

// OnAuth broadcasts an auth result.
func (h *Handler) OnAuth(bucket string, status channel.AuthStatus, user string, err error) {
	data := AuthData{Bucket: bucket, Status: status.String(), User: user}
	if err != nil {
		data.Error = err.Error()
		h.logger.Printf("Auth failed for %s: %v", bucket, err)
	}
	h.update(bucket, func(b *BucketStats) {
		b.Auth = data.Status
		b.User = user
	})
	h.send(MessageTypeAuth, data)
}

// OnIndexComplete broadcasts a finished index.
func (h *Handler) OnIndexComplete(bucket string, keys int) {
	h.update(bucket, func(b *BucketStats) { b.IndexedKeys = keys })
	h.send(MessageTypeIndexComplete, IndexCompleteData{Bucket: bucket, Keys: keys})
}

// OnChangeError broadcasts a rejected change.
func (h *Handler) OnChangeError(bucket string, change *schema.Change, err error) {
	data := ChangeErrorData{Bucket: bucket}
	if change != nil {
		data.Key = change.Key
		data.ChangeID = change.ID
	}
	if err != nil {
		data.Error = err.Error()
	}
	h.logger.Printf("Change to %s/%s rejected: %s", bucket, data.Key, data.Error)
	h.update(bucket, func(b *BucketStats) { b.ChangeErrors++ })
	h.send(MessageTypeChangeError, data)
}

// OnNetworkChange broadcasts a remote edit.
func (h *Handler) OnNetworkChange(bucket string, kind channel.ChangeType, key string, value jsondiff.Value) {
	data := NetworkChangeData{Bucket: bucket, Kind: string(kind), Key: key}
	if !value.IsNull() {
		raw, err := value.MarshalJSON()
		if err != nil {
			h.logger.Printf("Failed to marshal %s/%s: %v", bucket, key, err)
			return
		}
		data.Value = raw
	}
	h.update(bucket, func(b *BucketStats) {
		switch kind {
		case channel.ChangeInsert:
			b.Inserts++
		case channel.ChangeModify:
			b.Modifies++
		case channel.ChangeRemove:
			b.Removes++
		}
	})
	h.send(MessageTypeNetworkChange, data)
}

// GetStats returns a copy of the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := StatsData{Buckets: make(map[string]*BucketStats, len(h.stats.Buckets))}
	for name, b := range h.stats.Buckets {
		c := *b
		out.Buckets[name] = &c
	}
	return out
}

// Buckets returns the names of the buckets seen so far, sorted.
func (h *Handler) Buckets() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.stats.Buckets))
	for name := range h.stats.Buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Handler) update(bucket string, fn func(*BucketStats)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.stats.Buckets[bucket]
	if !ok {
		b = &BucketStats{Auth: channel.AuthUnknown.String()}
		h.stats.Buckets[bucket] = b
	}
	fn(b)
}

// send broadcasts data under typ, followed by the updated stats.
func (h *Handler) send(typ MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: dataJSON})
	h.server.Broadcast(h.statsMessage())
}

func (h *Handler) statsMessage() Message {
	stats := h.GetStats()
	dataJSON, err := json.Marshal(stats)
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
		return Message{Type: MessageTypeStats, Timestamp: time.Now()}
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: dataJSON}
}
