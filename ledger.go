package cardsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ActionLedger produces tamper-evident actions, verifies chain and
// collection integrity, and manages the signing-key lifecycle.
//
// Key state is owned per ledger instance (one per user session) and passed
// explicitly, never held as package-level state, so concurrent sessions and
// tests cannot interfere with each other.
type ActionLedger struct {
	deviceID string

	mu sync.Mutex
	// keys maps key version to key material so actions signed before a
	// rotation can still be verified.
	keys          map[int][]byte
	activeVersion int
	activeExpiry  int64
	serverAcked   int64

	clock func() time.Time
	newID func() string
}

// LedgerOption customizes ledger construction.
type LedgerOption func(*ActionLedger)

// WithClock overrides the ledger's time source, for deterministic tests.
func WithClock(clock func() time.Time) LedgerOption {
	return func(l *ActionLedger) { l.clock = clock }
}

// WithIDGenerator overrides action id generation.
func WithIDGenerator(newID func() string) LedgerOption {
	return func(l *ActionLedger) { l.newID = newID }
}

// NewActionLedger creates a ledger for one device. The ledger has no active
// signing key until RotateSigningKey or LoadSigningKey is called; creating
// actions before that fails with ErrKeyNotInitialized.
func NewActionLedger(deviceID string, opts ...LedgerOption) *ActionLedger {
	l := &ActionLedger{
		deviceID: deviceID,
		keys:     make(map[int][]byte),
		clock:    time.Now,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DeviceID returns the device identity the ledger signs for.
func (l *ActionLedger) DeviceID() string {
	return l.deviceID
}

// RotateSigningKey replaces the active signing key. Previous key material is
// retained for verifying actions signed under older versions. If a loaded
// collection carries a different signing_key_version, call
// AdoptKeyVersion afterwards so the integrity hash stays in step.
func (l *ActionLedger) RotateSigningKey(key []byte, version int, expiry time.Time) error {
	if len(key) == 0 {
		return fmt.Errorf("rotate signing key: empty key")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys[version] = append([]byte(nil), key...)
	l.activeVersion = version
	if expiry.IsZero() {
		l.activeExpiry = 0
	} else {
		l.activeExpiry = expiry.UnixMilli()
	}
	return nil
}

// LoadSigningKey installs a persisted signing-key record as the active key.
func (l *ActionLedger) LoadSigningKey(k *SigningKey) error {
	if k == nil {
		return ErrKeyNotInitialized
	}
	var expiry time.Time
	if k.ExpiresAt > 0 {
		expiry = time.UnixMilli(k.ExpiresAt)
	}
	return l.RotateSigningKey(k.Key, k.Version, expiry)
}

// ActiveKeyVersion returns the current signing-key version, 0 if none.
func (l *ActionLedger) ActiveKeyVersion() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeVersion
}

// AdoptKeyVersion aligns a loaded collection with the ledger's active key
// version, recomputing the integrity hash so a rotation never silently
// desynchronizes it.
func (l *ActionLedger) AdoptKeyVersion(c *OfflineCollection) {
	l.mu.Lock()
	version := l.activeVersion
	l.mu.Unlock()
	if version == 0 || c.SigningKeyVersion == version {
		return
	}
	c.SigningKeyVersion = version
	c.Rehash()
}

// UpdateServerAcknowledgedCount adjusts the counter used in nonce
// computation after reconciliation. The count only moves forward; the server
// is the sole authority for how many actions it has applied, and a lower
// value would reintroduce nonce collisions.
func (l *ActionLedger) UpdateServerAcknowledgedCount(n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.serverAcked {
		l.serverAcked = n
	}
}

// ServerAcknowledgedCount returns the acknowledged-action counter.
func (l *ActionLedger) ServerAcknowledgedCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.serverAcked
}

// RestoreAcknowledgedCount adopts a loaded collection's persisted
// acknowledged count, so nonce generation and chain verification resume
// from the correct base after a restart.
func (l *ActionLedger) RestoreAcknowledgedCount(c *OfflineCollection) {
	l.UpdateServerAcknowledgedCount(c.ServerAckedCount)
}

// CreateAction builds and signs a new action against the current queue tail.
// It is pure with respect to the queue: the caller appends the result.
//
// Nonce is serverAcknowledgedCount + len(queue) + 1 and previous_hash is the
// canonical hash of the last queued action, so actions created while a sync
// is in flight simply extend the live tail and ride the next sync.
func (l *ActionLedger) CreateAction(queue []*OfflineAction, t ActionType, payload ActionPayload) (*OfflineAction, error) {
	if err := validatePayload(t, payload); err != nil {
		return nil, err
	}

	l.mu.Lock()
	key, version := l.keys[l.activeVersion], l.activeVersion
	now := l.clock()
	if version == 0 || len(key) == 0 {
		l.mu.Unlock()
		return nil, ErrKeyNotInitialized
	}
	if l.activeExpiry > 0 && now.UnixMilli() >= l.activeExpiry {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: key version %d expired", ErrKeyNotInitialized, version)
	}
	nonce := l.serverAcked + int64(len(queue)) + 1
	l.mu.Unlock()

	a := &OfflineAction{
		ID:            l.newID(),
		Type:          t,
		ActionPayload: payload,
		Timestamp:     now.UnixMilli(),
		Nonce:         nonce,
		KeyVersion:    version,
	}
	if len(queue) > 0 {
		prev, err := ActionHash(queue[len(queue)-1], l.deviceID)
		if err != nil {
			return nil, err
		}
		a.PreviousHash = prev
	}

	sig, err := l.sign(a, key)
	if err != nil {
		return nil, err
	}
	a.Signature = sig
	return a, nil
}

// AppendAction creates an action, applies its local effects to the
// collection, appends it to the queue, and rehashes the collection.
func (l *ActionLedger) AppendAction(c *OfflineCollection, t ActionType, payload ActionPayload) (*OfflineAction, error) {
	a, err := l.CreateAction(c.ActionQueue, t, payload)
	if err != nil {
		return nil, err
	}
	applyActionEffects(c, a, l.clock())
	c.ActionQueue = append(c.ActionQueue, a)
	c.Rehash()
	return a, nil
}

func (l *ActionLedger) sign(a *OfflineAction, key []byte) (string, error) {
	payload, err := CanonicalPayload(a, l.deviceID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// RechainQueue re-links and re-signs the surviving queue after
// reconciliation removed actions from the middle of it. Nonces restart from
// the acknowledged count and each previous_hash is recomputed against the
// new predecessor; signatures are refreshed under the active key because the
// chain fields are part of the signed payload.
func (l *ActionLedger) RechainQueue(c *OfflineCollection) error {
	l.mu.Lock()
	key, version := l.keys[l.activeVersion], l.activeVersion
	base := l.serverAcked
	l.mu.Unlock()
	if len(c.ActionQueue) == 0 {
		return nil
	}
	if version == 0 || len(key) == 0 {
		return ErrKeyNotInitialized
	}

	var prevHash string
	for i, a := range c.ActionQueue {
		a.Nonce = base + int64(i) + 1
		a.PreviousHash = prevHash
		a.KeyVersion = version
		sig, err := l.sign(a, key)
		if err != nil {
			return err
		}
		a.Signature = sig
		h, err := ActionHash(a, l.deviceID)
		if err != nil {
			return err
		}
		prevHash = h
	}
	return nil
}

// VerifyAction checks a single action's HMAC signature.
func (l *ActionLedger) VerifyAction(a *OfflineAction) error {
	l.mu.Lock()
	key, ok := l.keys[a.KeyVersion]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no key material for version %d", ErrChainVerificationFailed, a.KeyVersion)
	}
	expected, err := l.sign(a, key)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(a.Signature)) {
		return fmt.Errorf("%w: signature mismatch on action %s", ErrChainVerificationFailed, a.ID)
	}
	return nil
}

// VerifyActionChain verifies every queued action's signature, chain link,
// and nonce progression, anchored to the acknowledged count: the first
// action's nonce must be serverAcknowledgedCount+1, so a queue whose nonces
// were uniformly shifted, or that replays already-acknowledged actions,
// fails verification. The first broken action fails the whole chain:
// because previous_hash is part of each signed payload, tampering with any
// action invalidates it and everything after it.
func (l *ActionLedger) VerifyActionChain(queue []*OfflineAction) error {
	l.mu.Lock()
	base := l.serverAcked
	l.mu.Unlock()

	var prevHash string
	var prevNonce int64
	for i, a := range queue {
		if err := l.VerifyAction(a); err != nil {
			return err
		}
		if a.PreviousHash != prevHash {
			return fmt.Errorf("%w: broken chain link at position %d (action %s)", ErrChainVerificationFailed, i, a.ID)
		}
		if i == 0 && a.Nonce != base+1 {
			return fmt.Errorf("%w: nonce base %d does not extend acknowledged count %d", ErrChainVerificationFailed, a.Nonce, base)
		}
		if i > 0 && a.Nonce != prevNonce+1 {
			return fmt.Errorf("%w: nonce gap at position %d (action %s)", ErrChainVerificationFailed, i, a.ID)
		}
		h, err := ActionHash(a, l.deviceID)
		if err != nil {
			return err
		}
		prevHash = h
		prevNonce = a.Nonce
	}
	return nil
}

// applyActionEffects mutates the collection to reflect a newly created
// action's local consequences.
func applyActionEffects(c *OfflineCollection, a *OfflineAction, now time.Time) {
	switch a.Type {
	case ActionCardAcquired:
		source := a.PackType
		if source == "" {
			source = "direct"
		}
		c.GrantItem(a.ItemID, a.Quantity, source, now)
	case ActionDeckCreated:
		if c.Decks == nil {
			c.Decks = make(map[string]*Deck)
		}
		c.Decks[a.DeckID] = &Deck{
			ID:        a.DeckID,
			Name:      a.DeckData.Name,
			CardIDs:   append([]string(nil), a.DeckData.CardIDs...),
			CreatedAt: a.Timestamp,
		}
	case ActionDeckUpdated:
		if deck, ok := c.Decks[a.DeckID]; ok {
			deck.Name = a.DeckData.Name
			deck.CardIDs = append([]string(nil), a.DeckData.CardIDs...)
			deck.UpdatedAt = a.Timestamp
		}
	case ActionDeckDeleted:
		delete(c.Decks, a.DeckID)
		if c.ActiveDeckID == a.DeckID {
			c.ActiveDeckID = ""
		}
	case ActionBattleWon:
		c.Currency += a.BattleData.CurrencyReward
		c.Experience += a.BattleData.ExperienceReward
	}
}
