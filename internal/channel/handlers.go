package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/steveyegge/ghostsync/internal/jsondiff"
	"github.com/steveyegge/ghostsync/internal/queue"
	"github.com/steveyegge/ghostsync/internal/schema"
)

// receive parses and dispatches one inbound message. Runs on the run goroutine.
func (c *Channel) receive(raw string) error {
	cmd, payload, err := schema.ParseMessage(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if c.config.Verbose {
		c.config.Logger.Printf("%s <= %s", c.bucket, raw)
	}

	switch cmd {
	case schema.CmdAuth:
		err = c.handleAuth(payload)
	case schema.CmdIndex:
		err = c.handleIndex(payload)
	case schema.CmdChange:
		err = c.handleChanges(payload)
	case schema.CmdEntity:
		err = c.handleEntity(payload)
	case schema.CmdChangeVersion:
		c.handleChangeVersion(payload)
	case schema.CmdLog:
		err = c.handleLog(payload)
	case schema.CmdHeartbeat:
	default:
		c.logf(LogVerbose, "Ignoring unknown command %q", cmd)
	}

	c.observers.Each(func(l any) {
		if ml, ok := l.(MessageListener); ok {
			ml.OnMessage(c.bucket, cmd, payload)
		}
	})
	return err
}

func (c *Channel) handleAuth(payload string) error {
	if payload == schema.AuthExpired {
		c.logf(LogVerbose, "Ignoring legacy auth expiry notice")
		return nil
	}

	if strings.HasPrefix(strings.TrimSpace(payload), "{") {
		var ae schema.AuthError
		if err := json.Unmarshal([]byte(payload), &ae); err != nil {
			return fmt.Errorf("%w: auth: %v", ErrMalformedMessage, err)
		}
		reason := ErrAuthInvalid
		if strings.Contains(strings.ToLower(ae.Msg), schema.AuthExpired) {
			reason = ErrAuthExpired
		}
		c.auth = NotAuthorized
		c.user = ""
		authErr := fmt.Errorf("%w: %s (%d)", reason, ae.Msg, ae.Code)
		c.logf(LogNormal, "WARNING: %v", authErr)
		c.observers.Each(func(l any) {
			if al, ok := l.(AuthListener); ok {
				al.OnAuth(c.bucket, NotAuthorized, "", authErr)
			}
		})
		return nil
	}

	c.auth = Authorized
	c.user = payload
	c.logf(LogVerbose, "Authorized as %s", payload)
	c.observers.Each(func(l any) {
		if al, ok := l.(AuthListener); ok {
			al.OnAuth(c.bucket, Authorized, payload, nil)
		}
		if ol, ok := l.(OpenListener); ok {
			ol.OnOpen(c.bucket)
		}
	})
	c.armStaleResend()
	c.flush()
	return nil
}

func (c *Channel) handleIndex(payload string) error {
	page, err := schema.ParseIndexPage(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if c.index != IndexPending {
		c.logf(LogVerbose, "Received index page without a pending request")
		c.index = IndexPending
		c.indexKeys = make(map[string]bool)
	}

	for _, entry := range page.Index {
		c.indexKeys[entry.Key] = true
		c.applyIndexEntry(entry)
	}

	if page.HasMore() {
		c.requestIndex(page.Mark)
		c.flush()
		return nil
	}

	c.index = HasIndex
	if page.Current != "" {
		if err := c.store.SetChangeVersion(c.bucket, page.Current); err != nil {
			c.logf(LogNormal, "WARNING: failed to save change version: %v", err)
		}
	}
	c.pruneUnindexed()
	c.logf(LogVerbose, "Index complete with %d objects", len(c.indexKeys))

	keys := len(c.indexKeys)
	c.observers.Each(func(l any) {
		if il, ok := l.(IndexListener); ok {
			il.OnIndexComplete(c.bucket, keys)
		}
	})
	c.notifyChange(ChangeIndex, "", jsondiff.Null())
	c.resendStale()
	c.flush()
	return nil
}

// applyIndexEntry hydrates one index entry, or asks for the entity when the
// entry came without data.
func (c *Channel) applyIndexEntry(entry schema.IndexEntry) {
	g, err := c.queue.Ghost(entry.Key)
	if err != nil {
		c.logf(LogNormal, "WARNING: %v", err)
		return
	}
	if g.Synced() && g.Version >= entry.Version {
		return
	}
	if !entry.HasData() {
		c.send(schema.CmdEntity, schema.EntityRequest(entry.Key, entry.Version))
		return
	}

	value, err := entry.Value()
	if err != nil {
		c.logf(LogNormal, "WARNING: %v", err)
		c.send(schema.CmdEntity, schema.EntityRequest(entry.Key, entry.Version))
		return
	}
	applied, err := c.queue.ApplyEntity(schema.Entity{Key: entry.Key, Version: entry.Version, Value: value})
	if err != nil {
		c.logf(LogNormal, "WARNING: failed to apply index entry %s: %v", entry.Key, err)
		return
	}
	kind := ChangeModify
	if !g.Synced() {
		kind = ChangeInsert
	}
	c.notifyChange(kind, entry.Key, applied.Value)
}

// pruneUnindexed removes synced objects the full index no longer lists.
// Keys with local changes are kept.
func (c *Channel) pruneUnindexed() {
	keys, err := c.store.GhostKeys(c.bucket)
	if err != nil {
		c.logf(LogNormal, "WARNING: failed to list ghosts: %v", err)
		return
	}
	for _, key := range keys {
		if c.indexKeys[key] || c.queue.HasLocalChanges(key) {
			continue
		}
		if err := c.store.DeleteGhost(c.bucket, key); err != nil {
			c.logf(LogNormal, "WARNING: failed to delete ghost %s: %v", key, err)
			continue
		}
		if err := c.store.DeleteObject(c.bucket, key); err != nil {
			c.logf(LogNormal, "WARNING: failed to delete object %s: %v", key, err)
			continue
		}
		c.notifyChange(ChangeRemove, key, jsondiff.Null())
	}
}

func (c *Channel) handleChanges(payload string) error {
	changes, bad, err := schema.ParseRemoteChanges(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	for _, b := range bad {
		c.logf(LogNormal, "WARNING: %v", b.Err)
		if b.Key != "" {
			c.requestEntity(b.Key, b.EndVersion)
		}
	}
	for i := range changes {
		c.handleRemoteChange(&changes[i])
	}
	// A change batch answers the catch-up, so acks owed from before the
	// reconnect have been applied by now.
	c.resendStale()
	c.flush()
	return nil
}

func (c *Channel) handleRemoteChange(rc *schema.RemoteChange) {
	if rc.IsError() {
		c.handleChangeError(rc)
		return
	}
	defer c.saveChangeVersion(rc.ChangeVersion)

	if pending, ok := c.queue.PendingFor(rc.Key); ok && rc.Acknowledges(pending.ID) {
		_, err := c.queue.Acknowledge(rc)
		switch {
		case errors.Is(err, queue.ErrRemoteChangeInvalid):
			c.logf(LogNormal, "WARNING: %v", err)
			c.requestEntity(rc.Key, rc.EndVersion)
		case err != nil:
			c.logf(LogNormal, "WARNING: failed to acknowledge %s: %v", rc.Key, err)
		default:
			c.logf(LogVerbose, "Acknowledged %s at version %d", rc.Key, rc.EndVersion)
		}
		return
	}

	if rc.ClientID == c.config.ClientID && len(rc.ChangeIDs) > 0 {
		c.logf(LogVerbose, "Ignoring unrecognized change %v for %s", rc.ChangeIDs, rc.Key)
		return
	}

	g, err := c.queue.Ghost(rc.Key)
	if err != nil {
		c.logf(LogNormal, "WARNING: %v", err)
		return
	}
	applied, err := c.queue.ApplyRemoteChange(rc)
	switch {
	case errors.Is(err, queue.ErrRemoteChangeInvalid):
		c.logf(LogNormal, "WARNING: %v", err)
		c.requestEntity(rc.Key, rc.EndVersion)
		return
	case err != nil:
		c.logf(LogNormal, "WARNING: failed to apply change to %s: %v", rc.Key, err)
		return
	case applied.Duplicate:
		return
	}

	switch {
	case applied.Removed:
		c.notifyChange(ChangeRemove, rc.Key, jsondiff.Null())
	case !g.Synced():
		c.notifyChange(ChangeInsert, rc.Key, applied.Value)
	default:
		c.notifyChange(ChangeModify, rc.Key, applied.Value)
	}
}

// handleChangeError applies the retry policy to a rejected change.
func (c *Channel) handleChangeError(rc *schema.RemoteChange) {
	change, err := c.queue.Lookup(rc)
	if err != nil {
		c.logf(LogVerbose, "Ignoring error %d for unrecognized change %v", rc.ErrorCode, rc.ChangeIDs)
		return
	}

	var ce *schema.ChangeError
	if !errors.As(rc.Err(), &ce) {
		return
	}

	switch ce.Class() {
	case schema.ClassConflict:
		retries := change.Retries + 1
		if retries > c.config.Retry.MaxRetries {
			if _, err := c.queue.Drop(change.ID); err != nil {
				c.logf(LogNormal, "WARNING: failed to drop change %s: %v", change.ID, err)
			}
			conflict := fmt.Errorf("%w: %s gave up after %d retries: %v", ErrVersionConflict, rc.Key, change.Retries, ce)
			c.logf(LogNormal, "WARNING: %v", conflict)
			c.notifyChangeError(change, conflict)
			c.catchUp()
			return
		}
		full := retries >= c.config.Retry.FullObjectAfter
		if _, err := c.queue.Requeue(change.ID, full); err != nil {
			c.logf(LogNormal, "WARNING: failed to requeue change %s: %v", change.ID, err)
			return
		}
		c.logf(LogVerbose, "Resending %s after %v (retry %d, full object %t)", rc.Key, ce, retries, full)

	case schema.ClassDuplicate, schema.ClassEmpty:
		if _, err := c.queue.Drop(change.ID); err != nil {
			c.logf(LogNormal, "WARNING: failed to drop change %s: %v", change.ID, err)
			return
		}
		c.logf(LogVerbose, "Dropped change %s: %v", change.ID, ce)

	default:
		if _, err := c.queue.Drop(change.ID); err != nil {
			c.logf(LogNormal, "WARNING: failed to drop change %s: %v", change.ID, err)
		}
		c.logf(LogNormal, "WARNING: change %s rejected: %v", change.ID, ce)
		c.notifyChangeError(change, ce)
	}
}

// catchUp asks for every remote change since the stored cursor, or for the
// whole index when there is none.
func (c *Channel) catchUp() {
	cv, err := c.store.GetChangeVersion(c.bucket)
	if err != nil {
		c.logf(LogNormal, "WARNING: failed to read change version: %v", err)
	}
	if cv == "" {
		c.requestIndex("")
		return
	}
	c.send(schema.CmdChangeVersion, cv)
}

func (c *Channel) requestEntity(key string, version int) {
	c.send(schema.CmdEntity, schema.EntityRequest(key, version))
}

func (c *Channel) handleEntity(payload string) error {
	e, err := schema.ParseEntity(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	g, err := c.queue.Ghost(e.Key)
	if err != nil {
		return err
	}
	if !e.Missing && g.Synced() && g.Version > e.Version {
		c.logf(LogVerbose, "Ignoring stale entity %s.%d", e.Key, e.Version)
		return nil
	}

	applied, err := c.queue.ApplyEntity(e)
	if err != nil {
		return fmt.Errorf("failed to apply entity %s: %w", e.Key, err)
	}
	switch {
	case applied.Removed:
		c.notifyChange(ChangeRemove, e.Key, jsondiff.Null())
	case e.Missing:
	case !g.Synced():
		c.notifyChange(ChangeInsert, e.Key, applied.Value)
	default:
		c.notifyChange(ChangeModify, e.Key, applied.Value)
	}
	c.flush()
	return nil
}

func (c *Channel) handleChangeVersion(payload string) {
	if payload != schema.UnknownChangeVersion {
		return
	}
	c.logf(LogNormal, "Change version not recognized, requesting index")
	c.requestIndex("")
}

func (c *Channel) handleLog(payload string) error {
	level, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return fmt.Errorf("%w: log level %q", ErrMalformedMessage, payload)
	}
	c.remoteLogLevel = level
	return nil
}

func (c *Channel) saveChangeVersion(cv string) {
	if cv == "" {
		return
	}
	if err := c.store.SetChangeVersion(c.bucket, cv); err != nil {
		c.logf(LogNormal, "WARNING: failed to save change version: %v", err)
	}
}

func (c *Channel) notifyChange(kind ChangeType, key string, value jsondiff.Value) {
	c.observers.Each(func(l any) {
		if nl, ok := l.(NetworkChangeListener); ok {
			nl.OnNetworkChange(c.bucket, kind, key, value)
		}
	})
}

func (c *Channel) notifyChangeError(change *schema.Change, err error) {
	c.observers.Each(func(l any) {
		if el, ok := l.(ChangeErrorListener); ok {
			el.OnChangeError(c.bucket, change, err)
		}
	})
}
