package cardsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// OwnedItem records the local ownership state of a single item.
type OwnedItem struct {
	Quantity int64 `json:"quantity"`

	// Source is the acquisition source (pack type, "starter", "reward").
	Source string `json:"source,omitempty"`

	FirstAcquired int64 `json:"first_acquired,omitempty"`
	LastAcquired  int64 `json:"last_acquired,omitempty"`
}

// Deck is a saved deck built from owned items.
type Deck struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	CardIDs   []string `json:"card_ids"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at,omitempty"`
}

// Contains reports whether the deck references the given item.
func (d *Deck) Contains(itemID string) bool {
	for _, id := range d.CardIDs {
		if id == itemID {
			return true
		}
	}
	return false
}

// OfflineCollection is the complete local snapshot of offline state for one
// device/user pair: owned items, scalar counters, saved decks, the pending
// action queue, and an integrity hash over all of it.
type OfflineCollection struct {
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id"`

	Items      map[string]*OwnedItem `json:"items_owned"`
	Currency   int64                 `json:"currency"`
	Experience int64                 `json:"experience"`

	ActionQueue []*OfflineAction `json:"action_queue"`

	Decks        map[string]*Deck `json:"decks,omitempty"`
	ActiveDeckID string           `json:"active_deck_id,omitempty"`

	// CollectionHash is SHA-256 over every other field in canonical form.
	// A mismatch on load means tampering or corruption; the collection is
	// rejected, never repaired.
	CollectionHash string `json:"collection_hash"`

	LastSync          int64 `json:"last_sync,omitempty"`
	SigningKeyVersion int   `json:"signing_key_version"`

	// ServerAckedCount is the authority's acknowledged-action count at the
	// last reconciliation. Queued nonces extend this base; it is covered by
	// the collection hash and restored into the ledger on load.
	ServerAckedCount int64 `json:"server_acked_count,omitempty"`
}

// NewOfflineCollection creates an empty collection for a device/user pair.
func NewOfflineCollection(deviceID, userID string, keyVersion int) *OfflineCollection {
	c := &OfflineCollection{
		DeviceID:          deviceID,
		UserID:            userID,
		Items:             make(map[string]*OwnedItem),
		Decks:             make(map[string]*Deck),
		SigningKeyVersion: keyVersion,
	}
	c.CollectionHash = ComputeCollectionHash(c)
	return c
}

// collectionDigest mirrors OfflineCollection minus the hash field, in a
// fixed field order. Map keys are sorted by encoding/json, so marshaling is
// deterministic.
type collectionDigest struct {
	DeviceID          string                `json:"device_id"`
	UserID            string                `json:"user_id"`
	Items             map[string]*OwnedItem `json:"items_owned"`
	Currency          int64                 `json:"currency"`
	Experience        int64                 `json:"experience"`
	ActionQueue       []*OfflineAction      `json:"action_queue"`
	Decks             map[string]*Deck      `json:"decks,omitempty"`
	ActiveDeckID      string                `json:"active_deck_id,omitempty"`
	LastSync          int64                 `json:"last_sync,omitempty"`
	SigningKeyVersion int                   `json:"signing_key_version"`
	ServerAckedCount  int64                 `json:"server_acked_count,omitempty"`
}

// ComputeCollectionHash recomputes the integrity hash over the canonical
// field subset of the collection.
func ComputeCollectionHash(c *OfflineCollection) string {
	data, err := json.Marshal(collectionDigest{
		DeviceID:          c.DeviceID,
		UserID:            c.UserID,
		Items:             c.Items,
		Currency:          c.Currency,
		Experience:        c.Experience,
		ActionQueue:       c.ActionQueue,
		Decks:             c.Decks,
		ActiveDeckID:      c.ActiveDeckID,
		LastSync:          c.LastSync,
		SigningKeyVersion: c.SigningKeyVersion,
		ServerAckedCount:  c.ServerAckedCount,
	})
	if err != nil {
		// Only reachable with non-marshalable values, which the model
		// does not contain.
		return ""
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Rehash updates CollectionHash after a mutation.
func (c *OfflineCollection) Rehash() {
	c.CollectionHash = ComputeCollectionHash(c)
}

// VerifyCollectionIntegrity recomputes the collection hash and returns
// ErrIntegrityCheckFailed on mismatch. Callers loading from storage must
// treat a failing collection as absent.
func VerifyCollectionIntegrity(c *OfflineCollection) error {
	if c == nil {
		return fmt.Errorf("%w: nil collection", ErrIntegrityCheckFailed)
	}
	if ComputeCollectionHash(c) != c.CollectionHash {
		return ErrIntegrityCheckFailed
	}
	return nil
}

// Clone returns a deep copy of the collection. Sync operates on a clone so
// that any failure before a response is fully applied leaves the caller's
// collection byte-for-byte unchanged.
func (c *OfflineCollection) Clone() *OfflineCollection {
	cp := &OfflineCollection{
		DeviceID:          c.DeviceID,
		UserID:            c.UserID,
		Currency:          c.Currency,
		Experience:        c.Experience,
		ActiveDeckID:      c.ActiveDeckID,
		CollectionHash:    c.CollectionHash,
		LastSync:          c.LastSync,
		SigningKeyVersion: c.SigningKeyVersion,
		ServerAckedCount:  c.ServerAckedCount,
		Items:             make(map[string]*OwnedItem, len(c.Items)),
		Decks:             make(map[string]*Deck, len(c.Decks)),
	}
	for id, item := range c.Items {
		v := *item
		cp.Items[id] = &v
	}
	for id, deck := range c.Decks {
		v := *deck
		v.CardIDs = append([]string(nil), deck.CardIDs...)
		cp.Decks[id] = &v
	}
	cp.ActionQueue = make([]*OfflineAction, len(c.ActionQueue))
	for i, a := range c.ActionQueue {
		v := *a
		if a.DeckData != nil {
			dd := *a.DeckData
			dd.CardIDs = append([]string(nil), a.DeckData.CardIDs...)
			v.DeckData = &dd
		}
		if a.BattleData != nil {
			bd := *a.BattleData
			v.BattleData = &bd
		}
		cp.ActionQueue[i] = &v
	}
	return cp
}

// GrantItem applies an item acquisition to the ownership map.
func (c *OfflineCollection) GrantItem(itemID string, quantity int64, source string, at time.Time) {
	if c.Items == nil {
		c.Items = make(map[string]*OwnedItem)
	}
	ms := at.UnixMilli()
	item, ok := c.Items[itemID]
	if !ok {
		c.Items[itemID] = &OwnedItem{
			Quantity:      quantity,
			Source:        source,
			FirstAcquired: ms,
			LastAcquired:  ms,
		}
		return
	}
	item.Quantity += quantity
	item.LastAcquired = ms
}

// RevokeItem decrements an item's quantity, deleting the entry at zero.
func (c *OfflineCollection) RevokeItem(itemID string, quantity int64) {
	item, ok := c.Items[itemID]
	if !ok {
		return
	}
	item.Quantity -= quantity
	if item.Quantity <= 0 {
		delete(c.Items, itemID)
	}
}

// FindQueuedAction returns the queued action with the given id, or nil.
func (c *OfflineCollection) FindQueuedAction(id string) *OfflineAction {
	for _, a := range c.ActionQueue {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// RemoveQueuedActions removes every queued action whose id is in the set.
func (c *OfflineCollection) RemoveQueuedActions(ids map[string]bool) {
	if len(ids) == 0 {
		return
	}
	kept := c.ActionQueue[:0]
	for _, a := range c.ActionQueue {
		if !ids[a.ID] {
			kept = append(kept, a)
		}
	}
	c.ActionQueue = kept
}
