// Package cache memoizes per-entity worker payloads. Entities are few and
// payloads are kilobytes to megabytes, so the cache is unbounded; eviction
// is explicit and driven by entity updates and removals.
package cache

import (
	"fmt"

	. "github.com/roelfdiedericks/healerd/internal/logging"
	"github.com/roelfdiedericks/healerd/internal/store"
)

// Cache maps entity ids to the byte payload their workers consume
type Cache struct {
	st       *store.Store
	avatars  map[int64][]byte
	ics      map[int64][]byte
	requests map[int64][]byte
}

// New creates an empty cache backed by the store
func New(st *store.Store) *Cache {
	return &Cache{
		st:       st,
		avatars:  make(map[int64][]byte),
		ics:      make(map[int64][]byte),
		requests: make(map[int64][]byte),
	}
}

// Avatar returns the avatar payload: photo bytes followed by the UTF-8
// encoding of the info text. Loads from the store on miss.
func (c *Cache) Avatar(id int64) ([]byte, error) {
	if blob, ok := c.avatars[id]; ok {
		return blob, nil
	}
	a, err := c.st.GetAvatar(id)
	if err != nil {
		return nil, fmt.Errorf("load avatar %d: %w", id, err)
	}
	blob := make([]byte, 0, len(a.PhotoData)+len(a.InfoData))
	blob = append(blob, a.PhotoData...)
	blob = append(blob, []byte(a.InfoData)...)
	c.avatars[id] = blob
	L_debug("cache: loaded avatar", "id", id, "bytes", len(blob))
	return blob, nil
}

// IC returns the information copy's raw payload
func (c *Cache) IC(id int64) ([]byte, error) {
	if blob, ok := c.ics[id]; ok {
		return blob, nil
	}
	ic, err := c.st.GetIC(id)
	if err != nil {
		return nil, fmt.Errorf("load ic %d: %w", id, err)
	}
	c.ics[id] = ic.WavData
	L_debug("cache: loaded ic", "id", id, "bytes", len(ic.WavData))
	return ic.WavData, nil
}

// Request returns the UTF-8 encoding of the request text
func (c *Cache) Request(id int64) ([]byte, error) {
	if blob, ok := c.requests[id]; ok {
		return blob, nil
	}
	r, err := c.st.GetRequest(id)
	if err != nil {
		return nil, fmt.Errorf("load request %d: %w", id, err)
	}
	blob := []byte(r.RequestData)
	c.requests[id] = blob
	L_debug("cache: loaded request", "id", id, "bytes", len(blob))
	return blob, nil
}

// EvictAvatar drops the cached avatar payload
func (c *Cache) EvictAvatar(id int64) {
	delete(c.avatars, id)
}

// EvictIC drops the cached IC payload
func (c *Cache) EvictIC(id int64) {
	delete(c.ics, id)
}

// EvictRequest drops the cached request payload
func (c *Cache) EvictRequest(id int64) {
	delete(c.requests, id)
}

// PayloadsFor returns the two payloads a leaf session's worker consumes,
// selected by session kind.
func (c *Cache) PayloadsFor(sess *store.Session) (blob1, blob2 []byte, err error) {
	switch sess.Kind {
	case store.KindICSession, store.KindGroupICSession:
		if sess.AvatarID == nil || sess.ICID == nil {
			return nil, nil, fmt.Errorf("session %d: missing avatar or ic reference", sess.ID)
		}
		if blob1, err = c.Avatar(*sess.AvatarID); err != nil {
			return nil, nil, err
		}
		blob2, err = c.IC(*sess.ICID)
	case store.KindRequestSession:
		if sess.AvatarID == nil || sess.RequestID == nil {
			return nil, nil, fmt.Errorf("session %d: missing avatar or request reference", sess.ID)
		}
		if blob1, err = c.Avatar(*sess.AvatarID); err != nil {
			return nil, nil, err
		}
		blob2, err = c.Request(*sess.RequestID)
	case store.KindAvatarLink:
		if sess.AvatarID == nil || sess.DestinationAvatarID == nil {
			return nil, nil, fmt.Errorf("session %d: missing link references", sess.ID)
		}
		if blob1, err = c.Avatar(*sess.AvatarID); err != nil {
			return nil, nil, err
		}
		blob2, err = c.Avatar(*sess.DestinationAvatarID)
	default:
		return nil, nil, fmt.Errorf("session %d: unknown kind %q", sess.ID, sess.Kind)
	}
	if err != nil {
		return nil, nil, err
	}
	return blob1, blob2, nil
}
