package bucket

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/steveyegge/ghostsync/internal/channel"
	"github.com/steveyegge/ghostsync/internal/jsondiff"
	"github.com/steveyegge/ghostsync/internal/schema"
	"github.com/steveyegge/ghostsync/internal/storage"
)

type entity struct {
	version int
	value   jsondiff.Value
}

// fakeAuthority is an in-process sync server for one bucket. It answers
// synchronously from inside Send and delivers through ReceiveMessage.
type fakeAuthority struct {
	mu      sync.Mutex
	objects map[string]entity
	log     []schema.RemoteChange
	conns   []*authorityConn
	frames  int
}

// authorityConn is one client's transport to the authority.
type authorityConn struct {
	authority *fakeAuthority
	ch        *channel.Channel
	clientID  string
	online    bool
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{objects: make(map[string]entity)}
}

func (a *fakeAuthority) connect() *authorityConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := &authorityConn{authority: a, online: true}
	a.conns = append(a.conns, c)
	return c
}

func (c *authorityConn) Send(msg string) error {
	a := c.authority
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames++
	if !c.online {
		return errors.New("offline")
	}

	cmd, payload, err := schema.ParseMessage(msg)
	if err != nil {
		return err
	}
	switch cmd {
	case schema.CmdInit:
		var init schema.InitMessage
		if err := json.Unmarshal([]byte(payload), &init); err != nil {
			return err
		}
		c.clientID = init.ClientID
		c.deliver("auth:user@example.com")
		if strings.HasPrefix(init.Cmd, "i:") {
			c.deliver(a.indexPage())
		}
	case schema.CmdChangeVersion:
		since, _ := strconv.Atoi(strings.TrimPrefix(payload, "cv-"))
		if since < len(a.log) {
			c.deliver(changesFrame(a.log[since:]...))
		}
	case schema.CmdChange:
		change, err := schema.DecodeWireChange([]byte(payload))
		if err != nil {
			return err
		}
		a.apply(c, change)
	}
	return nil
}

// deliver hands msg to the client if it is online. Callers hold a.mu.
func (c *authorityConn) deliver(msg string) {
	if c.online && c.ch != nil {
		c.ch.ReceiveMessage(msg)
	}
}

func (a *fakeAuthority) cv() string {
	return "cv-" + strconv.Itoa(len(a.log))
}

func (a *fakeAuthority) indexPage() string {
	page := schema.IndexPage{Current: a.cv(), Index: []schema.IndexEntry{}}
	for key, e := range a.objects {
		data, _ := json.Marshal(e.value)
		page.Index = append(page.Index, schema.IndexEntry{Key: key, Version: e.version, Data: data})
	}
	data, _ := json.Marshal(page)
	return "i:" + string(data)
}

func changesFrame(changes ...schema.RemoteChange) string {
	data, _ := json.Marshal(changes)
	return "c:" + string(data)
}

func (a *fakeAuthority) apply(from *authorityConn, change *schema.Change) {
	cur, exists := a.objects[change.Key]
	if !exists {
		cur = entity{value: jsondiff.Object(nil)}
	}
	if change.SourceVersion != cur.version {
		from.deliver(changesFrame(schema.RemoteChange{
			Key: change.Key, ChangeIDs: []string{change.ID}, ErrorCode: schema.CodeBadVersion,
		}))
		return
	}

	rc := schema.RemoteChange{
		ClientID:      from.clientID,
		Key:           change.Key,
		ChangeIDs:     []string{change.ID},
		SourceVersion: cur.version,
		EndVersion:    cur.version + 1,
		Op:            change.Op,
	}
	if change.IsRemove() {
		delete(a.objects, change.Key)
	} else {
		next := change.Target
		if !change.SendFullObject {
			var err error
			if next, err = jsondiff.Apply(cur.value, change.Diff); err != nil {
				from.deliver(changesFrame(schema.RemoteChange{
					Key: change.Key, ChangeIDs: []string{change.ID}, ErrorCode: schema.CodeInvalidDiff,
				}))
				return
			}
		}
		rc.Diff = jsondiff.Diff(cur.value, next)
		a.objects[change.Key] = entity{version: rc.EndVersion, value: next}
	}
	a.log = append(a.log, rc)
	rc.ChangeVersion = a.cv()
	a.log[len(a.log)-1] = rc

	for _, c := range a.conns {
		c.deliver(changesFrame(rc))
	}
}

func (a *fakeAuthority) frameCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames
}

func (c *authorityConn) setOnline(online bool) {
	c.authority.mu.Lock()
	defer c.authority.mu.Unlock()
	c.online = online
}

// client is one bucket wired to the authority.
type client struct {
	bucket *Bucket
	conn   *authorityConn
	store  *storage.Memory
	events *recorder
}

func newClient(t *testing.T, a *fakeAuthority, id string) *client {
	t.Helper()
	store := storage.NewMemory()
	conn := a.connect()

	config := channel.DefaultConfig()
	config.ClientID = id
	config.Logger = log.New(io.Discard, "", 0)

	b, err := New("notes", store, conn, config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	a.mu.Lock()
	conn.ch = b.Channel()
	a.mu.Unlock()

	events := &recorder{}
	b.AddListener(events)
	return &client{bucket: b, conn: conn, store: store, events: events}
}

// settle waits until no client has work left.
func settle(t *testing.T, a *fakeAuthority, clients ...*client) {
	t.Helper()
	for i := 0; i < 100; i++ {
		before := a.frameCount()
		for _, c := range clients {
			c.bucket.Channel().Barrier()
		}
		if a.frameCount() == before {
			return
		}
	}
	t.Fatal("clients did not settle")
}

type recorder struct {
	mu      sync.Mutex
	saved   []string
	deleted []string
	network []string
}

func (r *recorder) OnSaveObject(_, key string, _ jsondiff.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, key)
}

func (r *recorder) OnDeleteObject(_, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, key)
}

func (r *recorder) OnNetworkChange(_ string, kind channel.ChangeType, key string, _ jsondiff.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.network = append(r.network, string(kind)+":"+key)
}

func mustGet(t *testing.T, b *Bucket, key string) jsondiff.Value {
	t.Helper()
	v, err := b.Get(key)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", key, err)
	}
	return v
}

func TestBucket_SyncsBetweenClients(t *testing.T) {
	a := newFakeAuthority()
	alice := newClient(t, a, "alice")
	bob := newClient(t, a, "bob")
	alice.bucket.Start()
	bob.bucket.Start()
	alice.bucket.Channel().OnConnect()
	bob.bucket.Channel().OnConnect()
	settle(t, a, alice, bob)

	if err := alice.bucket.Put("n1", map[string]any{"title": "hi"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	settle(t, a, alice, bob)

	if diff := cmp.Diff(jsondiff.MustParse(`{"title":"hi"}`), mustGet(t, bob.bucket, "n1")); diff != "" {
		t.Errorf("bob's copy (-want +got):\n%s", diff)
	}

	if err := bob.bucket.Delete("n1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	settle(t, a, alice, bob)

	if _, err := alice.bucket.Get("n1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("alice still has n1: %v", err)
	}

	alice.events.mu.Lock()
	defer alice.events.mu.Unlock()
	bob.events.mu.Lock()
	defer bob.events.mu.Unlock()
	if diff := cmp.Diff([]string{"n1"}, alice.events.saved); diff != "" {
		t.Errorf("alice saves (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"n1"}, bob.events.deleted); diff != "" {
		t.Errorf("bob deletes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"index:", "insert:n1"}, bob.events.network); diff != "" {
		t.Errorf("bob network events (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"index:", "remove:n1"}, alice.events.network); diff != "" {
		t.Errorf("alice network events (-want +got):\n%s", diff)
	}
}

func TestBucket_OfflineEditsMerge(t *testing.T) {
	a := newFakeAuthority()
	alice := newClient(t, a, "alice")
	bob := newClient(t, a, "bob")
	for _, c := range []*client{alice, bob} {
		c.bucket.Start()
		c.bucket.Channel().OnConnect()
	}
	settle(t, a, alice, bob)

	if err := alice.bucket.SaveJSON("doc", []byte(`{"content":"Line 1\n"}`)); err != nil {
		t.Fatalf("SaveJSON failed: %v", err)
	}
	settle(t, a, alice, bob)

	alice.conn.setOnline(false)
	alice.bucket.Channel().OnDisconnect()
	if err := alice.bucket.SaveJSON("doc", []byte(`{"content":"Line 1\nLine 3\n"}`)); err != nil {
		t.Fatalf("SaveJSON failed: %v", err)
	}
	if err := bob.bucket.SaveJSON("doc", []byte(`{"content":"Line 1\nLine 2\n"}`)); err != nil {
		t.Fatalf("SaveJSON failed: %v", err)
	}
	settle(t, a, alice, bob)

	alice.conn.setOnline(true)
	alice.bucket.Channel().OnConnect()
	settle(t, a, alice, bob)

	want := jsondiff.MustParse(`{"content":"Line 1\nLine 2\nLine 3\n"}`)
	for name, c := range map[string]*client{"alice": alice, "bob": bob} {
		if diff := cmp.Diff(want, mustGet(t, c.bucket, "doc")); diff != "" {
			t.Errorf("%s's copy (-want +got):\n%s", name, diff)
		}
		if st := c.bucket.Status(); st.Queued != 0 || st.Pending != 0 {
			t.Errorf("%s has outstanding changes: %+v", name, st)
		}
	}
}

func TestBucket_SaveRejectsNonObjects(t *testing.T) {
	a := newFakeAuthority()
	c := newClient(t, a, "alice")

	if err := c.bucket.SaveJSON("k", []byte(`[1,2]`)); err == nil {
		t.Error("SaveJSON accepted an array")
	}
	if err := c.bucket.Save("", jsondiff.MustParse(`{}`)); err == nil {
		t.Error("Save accepted an empty key")
	}
	if err := c.bucket.SaveJSON("k", []byte(`{`)); err == nil {
		t.Error("SaveJSON accepted invalid JSON")
	}
}

func TestBucket_OfflineSavesAreKeptAndListed(t *testing.T) {
	a := newFakeAuthority()
	c := newClient(t, a, "alice")

	for _, key := range []string{"b", "a"} {
		if err := c.bucket.Put(key, map[string]int{"n": 1}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := c.bucket.Delete("missing"); err != nil {
		t.Errorf("Delete of a missing key failed: %v", err)
	}

	keys, err := c.bucket.Keys()
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, keys); diff != "" {
		t.Errorf("keys (-want +got):\n%s", diff)
	}
	if st := c.bucket.Status(); st.Queued != 2 || st.State != channel.StateClosed {
		t.Errorf("status = %+v, want two queued while closed", st)
	}

	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	if len(c.events.deleted) != 0 {
		t.Errorf("delete listener called for a missing key: %v", c.events.deleted)
	}

	if err := c.bucket.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	stats, err := c.bucket.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Objects != 0 {
		t.Errorf("objects after reset = %d, want 0", stats.Objects)
	}
}
