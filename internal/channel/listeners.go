package channel

import (
	"sync"

	"github.com/steveyegge/ghostsync/internal/jsondiff"
	"github.com/steveyegge/ghostsync/internal/schema"
)

// ChangeType classifies a network change.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeModify ChangeType = "modify"
	ChangeRemove ChangeType = "remove"
	ChangeIndex  ChangeType = "index"
)

// OpenListener is told when the channel is started and authorized.
type OpenListener interface {
	OnOpen(bucket string)
}

// CloseListener is told when the connection drops or the channel stops.
type CloseListener interface {
	OnClose(bucket string)
}

// MessageListener sees every inbound message after it is handled.
type MessageListener interface {
	OnMessage(bucket, cmd, payload string)
}

// LogListener receives channel log lines with their level.
type LogListener interface {
	OnLog(level int, text string)
}

// AuthListener is told about auth status changes. err is nil on success.
type AuthListener interface {
	OnAuth(bucket string, status AuthStatus, user string, err error)
}

// IndexListener is told when the index has been fully received.
type IndexListener interface {
	OnIndexComplete(bucket string, keys int)
}

// ChangeErrorListener is told when a local change is given up on.
type ChangeErrorListener interface {
	OnChangeError(bucket string, change *schema.Change, err error)
}

// NetworkChangeListener is told when a remote edit changed a local object.
// value is null for removals and for ChangeIndex.
type NetworkChangeListener interface {
	OnNetworkChange(bucket string, kind ChangeType, key string, value jsondiff.Value)
}

// Observers is a list of listeners dispatched by the interfaces they implement.
type Observers struct {
	mu   sync.RWMutex
	list []any
}

// Add registers l. It receives the events of every listener interface it implements.
func (o *Observers) Add(l any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, l)
}

// Remove unregisters l.
func (o *Observers) Remove(l any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, x := range o.list {
		if x == l {
			o.list = append(o.list[:i], o.list[i+1:]...)
			return
		}
	}
}

// Each calls fn for every registered listener.
func (o *Observers) Each(fn func(l any)) {
	o.mu.RLock()
	list := append([]any(nil), o.list...)
	o.mu.RUnlock()
	for _, l := range list {
		fn(l)
	}
}
