package cardsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalAPIVersion is the wire API version stamped into every signed
// action payload. Client and server must agree on it byte-for-byte.
const CanonicalAPIVersion = "1"

// ActionType identifies the kind of user action recorded in the ledger.
type ActionType string

const (
	ActionPackOpened        ActionType = "pack_opened"
	ActionCardAcquired      ActionType = "card_acquired"
	ActionDeckCreated       ActionType = "deck_created"
	ActionDeckUpdated       ActionType = "deck_updated"
	ActionDeckDeleted       ActionType = "deck_deleted"
	ActionStarterPackOpened ActionType = "starter_pack_opened"
	ActionBattleWon         ActionType = "battle_won"
	ActionBattleLost        ActionType = "battle_lost"
)

// knownActionTypes is the set of action types the ledger will sign.
var knownActionTypes = map[ActionType]bool{
	ActionPackOpened:        true,
	ActionCardAcquired:      true,
	ActionDeckCreated:       true,
	ActionDeckUpdated:       true,
	ActionDeckDeleted:       true,
	ActionStarterPackOpened: true,
	ActionBattleWon:         true,
	ActionBattleLost:        true,
}

// IsPackOpening reports whether the type grants a batch of cards.
func (t ActionType) IsPackOpening() bool {
	return t == ActionPackOpened || t == ActionStarterPackOpened
}

// IsBattleResult reports whether the type records a battle outcome.
func (t ActionType) IsBattleResult() bool {
	return t == ActionBattleWon || t == ActionBattleLost
}

// DeckData carries the deck contents for deck_created/deck_updated actions.
type DeckData struct {
	Name    string   `json:"name"`
	CardIDs []string `json:"card_ids"`
}

// BattleData carries the outcome for battle_won/battle_lost actions.
type BattleData struct {
	DeckID           string `json:"deck_id"`
	OpponentID       string `json:"opponent_id,omitempty"`
	CurrencyReward   int64  `json:"currency_reward,omitempty"`
	ExperienceReward int64  `json:"experience_reward,omitempty"`
}

// ActionPayload holds the type-specific fields of an action. Which fields
// are required depends on the action type; see validatePayload.
type ActionPayload struct {
	ItemID     string      `json:"item_id,omitempty"`
	Quantity   int64       `json:"quantity,omitempty"`
	PackType   string      `json:"pack_type,omitempty"`
	DeckID     string      `json:"deck_id,omitempty"`
	DeckData   *DeckData   `json:"deck_data,omitempty"`
	BattleData *BattleData `json:"battle_data,omitempty"`

	// BatchID links an action to the pack opening that produced it.
	// Card acquisitions created as the result of a pack carry the pack
	// action's id here, which makes cascade analysis exact instead of
	// relying on timestamp proximity.
	BatchID string `json:"batch_id,omitempty"`
}

// OfflineAction is one user-initiated, signed event in the device's chain.
//
// Actions queued on a device form a singly-linked hash chain ordered by
// Nonce: PreviousHash of action N equals the canonical hash of action N-1.
// Because PreviousHash is itself part of the signed payload, each signature
// transitively certifies the entire prefix of the chain.
type OfflineAction struct {
	ID   string     `json:"id"`
	Type ActionType `json:"type"`

	ActionPayload

	// Timestamp is client epoch milliseconds at creation.
	Timestamp int64 `json:"timestamp"`

	// Signature is hex HMAC-SHA256 over the canonical payload.
	Signature string `json:"signature"`

	// PreviousHash is the canonical hash of the prior queued action,
	// empty for the first action in the chain.
	PreviousHash string `json:"previous_hash,omitempty"`

	// Nonce is the action's 1-based position in the device's chain:
	// serverAcknowledgedCount + positionInQueue + 1 at creation time.
	Nonce int64 `json:"nonce"`

	// KeyVersion is the signing-key version active at creation.
	KeyVersion int `json:"key_version"`
}

// signingPayload is the canonical signing payload. Field order is fixed and
// part of the wire contract: id, type, type-specific fields, timestamp,
// api_version, device_id, key_version, previous_hash, nonce. encoding/json
// preserves struct field order, so marshaling this struct yields the exact
// byte sequence both sides sign.
type signingPayload struct {
	ID         string      `json:"id"`
	Type       ActionType  `json:"type"`
	ItemID     string      `json:"item_id,omitempty"`
	Quantity   int64       `json:"quantity,omitempty"`
	PackType   string      `json:"pack_type,omitempty"`
	DeckID     string      `json:"deck_id,omitempty"`
	DeckData   *DeckData   `json:"deck_data,omitempty"`
	BattleData *BattleData `json:"battle_data,omitempty"`
	BatchID    string      `json:"batch_id,omitempty"`
	Timestamp  int64       `json:"timestamp"`
	APIVersion string      `json:"api_version"`
	DeviceID   string      `json:"device_id"`
	KeyVersion int         `json:"key_version"`
	PrevHash   string      `json:"previous_hash,omitempty"`
	Nonce      int64       `json:"nonce"`
}

// CanonicalPayload renders the byte-exact payload signed for the action.
func CanonicalPayload(a *OfflineAction, deviceID string) ([]byte, error) {
	p := signingPayload{
		ID:         a.ID,
		Type:       a.Type,
		ItemID:     a.ItemID,
		Quantity:   a.Quantity,
		PackType:   a.PackType,
		DeckID:     a.DeckID,
		DeckData:   a.DeckData,
		BattleData: a.BattleData,
		BatchID:    a.BatchID,
		Timestamp:  a.Timestamp,
		APIVersion: CanonicalAPIVersion,
		DeviceID:   deviceID,
		KeyVersion: a.KeyVersion,
		PrevHash:   a.PreviousHash,
		Nonce:      a.Nonce,
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("canonical payload: %w", err)
	}
	return data, nil
}

// ActionHash computes the canonical chain hash of an action: SHA-256 over
// the canonical payload plus the signature. Altering any signed field or
// the signature itself changes the hash and breaks every later chain link.
func ActionHash(a *OfflineAction, deviceID string) (string, error) {
	payload, err := CanonicalPayload(a, deviceID)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(a.Signature))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// validatePayload checks that the required type-specific fields are present.
func validatePayload(t ActionType, p ActionPayload) error {
	if !knownActionTypes[t] {
		return fmt.Errorf("%w: %q", ErrUnknownActionType, t)
	}
	missing := func(field string) error {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidActionPayload, t, field)
	}
	switch t {
	case ActionPackOpened, ActionStarterPackOpened:
		if p.PackType == "" {
			return missing("pack_type")
		}
	case ActionCardAcquired:
		if p.ItemID == "" {
			return missing("item_id")
		}
		if p.Quantity <= 0 {
			return fmt.Errorf("%w: %s requires positive quantity", ErrInvalidActionPayload, t)
		}
	case ActionDeckCreated, ActionDeckUpdated:
		if p.DeckID == "" {
			return missing("deck_id")
		}
		if p.DeckData == nil {
			return missing("deck_data")
		}
	case ActionDeckDeleted:
		if p.DeckID == "" {
			return missing("deck_id")
		}
	case ActionBattleWon, ActionBattleLost:
		if p.BattleData == nil {
			return missing("battle_data")
		}
		if p.BattleData.DeckID == "" {
			return missing("battle_data.deck_id")
		}
	}
	return nil
}
