package cardsync

import "time"

// ConflictReason is the server-reported reason an action was rejected.
type ConflictReason string

const (
	ReasonInsufficientBalance ConflictReason = "insufficient_balance"
	ReasonInvalidItem         ConflictReason = "invalid_item"
	ReasonInvalidPackType     ConflictReason = "invalid_pack_type"
	ReasonItemNotOwned        ConflictReason = "item_not_owned"
	ReasonDuplicateAction     ConflictReason = "duplicate_action"
	ReasonActionTooOld        ConflictReason = "action_too_old"
	ReasonVersionMismatch     ConflictReason = "client_version_mismatch"
)

// Resolution is the disposition of a conflicted action.
type Resolution string

const (
	// ResolutionServerWins discards the local action and its full cascade.
	ResolutionServerWins Resolution = "server_wins"
	// ResolutionUserWins keeps the local action queued for the next sync.
	ResolutionUserWins Resolution = "user_wins"
	// ResolutionMerge keeps the action and adopts the server state snapshot.
	ResolutionMerge Resolution = "merge"
	// ResolutionManual defers to the caller; the action stays queued and the
	// conflict is surfaced unresolved.
	ResolutionManual Resolution = "manual"
)

// ServerStateSnapshot is the authority's view attached to a conflict.
type ServerStateSnapshot struct {
	Currency   int64                 `json:"currency,omitempty"`
	Experience int64                 `json:"experience,omitempty"`
	ItemsOwned map[string]*OwnedItem `json:"items_owned,omitempty"`
}

// SyncConflict is one server-reported rejection and its resolution.
type SyncConflict struct {
	ActionID    string               `json:"action_id"`
	Reason      ConflictReason       `json:"reason"`
	ServerState *ServerStateSnapshot `json:"server_state,omitempty"`
	Resolution  Resolution           `json:"resolution,omitempty"`

	// CascadeImpact is computed before disposition so the caller can see
	// what a server_wins resolution takes with it.
	CascadeImpact *CascadeImpact `json:"cascade_impact,omitempty"`
}

// validationReasons are conflict reasons that always resolve server_wins:
// the authority has already judged the action invalid and retrying it can
// never succeed.
var validationReasons = map[ConflictReason]bool{
	ReasonInsufficientBalance: true,
	ReasonInvalidItem:         true,
	ReasonInvalidPackType:     true,
	ReasonItemNotOwned:        true,
	ReasonDuplicateAction:     true,
}

// resolveAutomatically maps a conflict to its automatic resolution.
//
//	validation violations          -> server_wins
//	action older than threshold    -> server_wins
//	action within threshold        -> manual
//	client version mismatch        -> manual
//	anything not in the table      -> manual (never guessed)
func resolveAutomatically(reason ConflictReason, action *OfflineAction, now time.Time, staleness time.Duration) Resolution {
	if validationReasons[reason] {
		return ResolutionServerWins
	}
	if reason == ReasonActionTooOld {
		if action != nil && now.Sub(time.UnixMilli(action.Timestamp)) <= staleness {
			return ResolutionManual
		}
		return ResolutionServerWins
	}
	return ResolutionManual
}
