package cardsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyncState is the coordinator's position in the per-attempt state machine
// IDLE -> SYNCING -> {SUCCESS, FAILED} -> IDLE.
type SyncState int

const (
	SyncStateIdle SyncState = iota
	SyncStateSyncing
	SyncStateSuccess
	SyncStateFailed
)

func (s SyncState) String() string {
	switch s {
	case SyncStateIdle:
		return "idle"
	case SyncStateSyncing:
		return "syncing"
	case SyncStateSuccess:
		return "success"
	case SyncStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SyncConfig configures reconciliation policy.
type SyncConfig struct {
	// ClientVersion is reported to the authority with every request.
	ClientVersion string `json:"client_version" yaml:"client_version"`

	// Cooldown throttles consecutive sync attempts. ForceSync bypasses it.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`

	// StalenessThreshold is the age beyond which a conflicted action
	// resolves server_wins automatically instead of going to manual.
	// Policy, not protocol; tune freely.
	StalenessThreshold time.Duration `json:"staleness_threshold" yaml:"staleness_threshold"`

	// CascadeWindow is the timestamp window used to attribute legacy
	// card acquisitions (without a batch_id) to a pack opening.
	CascadeWindow time.Duration `json:"cascade_window" yaml:"cascade_window"`
}

// DefaultSyncConfig returns sensible defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		ClientVersion:      "1.0.0",
		Cooldown:           30 * time.Second,
		StalenessThreshold: 24 * time.Hour,
		CascadeWindow:      30 * time.Second,
	}
}

// SyncStats accumulates reconciliation statistics.
type SyncStats struct {
	TotalAttempts       int64         `json:"total_attempts"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	ConflictsResolved   int64         `json:"conflicts_resolved"`
	ActionsAcknowledged int64         `json:"actions_acknowledged"`
	ActionsDiscarded    int64         `json:"actions_discarded"`
	LastDuration        time.Duration `json:"last_duration"`
	LastSyncTime        time.Time     `json:"last_sync_time"`
}

// SyncOutcome is the result of one successful reconciliation exchange.
type SyncOutcome struct {
	// Collection is the reconciled collection, re-hashed and ready to
	// persist. The input collection is never mutated.
	Collection *OfflineCollection `json:"-"`

	// Conflicts holds every server-reported conflict with its resolution
	// and pre-computed cascade impact, so the caller can explain to the
	// user why items, decks, or rewards disappeared.
	Conflicts []SyncConflict `json:"conflicts,omitempty"`

	// DiscardedActions are action ids removed by conflict cascades or by
	// the authority's discard list.
	DiscardedActions []string `json:"discarded_actions,omitempty"`

	// AcknowledgedActions counts queued actions the authority applied.
	AcknowledgedActions int `json:"acknowledged_actions"`

	// PendingActions counts actions still queued after reconciliation
	// (manual or user_wins conflicts awaiting the next sync).
	PendingActions int `json:"pending_actions"`

	// KeyRotated reports whether the authority issued a new signing key.
	KeyRotated bool `json:"key_rotated"`

	TransactionID string        `json:"transaction_id"`
	Duration      time.Duration `json:"duration"`
}

// SyncCoordinator drives the reconciliation protocol against the remote
// authority: it sends the queued actions and collection snapshot, resolves
// reported conflicts, executes cascading rollback for discarded actions,
// and merges authoritative state.
//
// Only one sync may be in flight per coordinator; a concurrent call fails
// fast with ErrSyncInProgress rather than queueing, so two attempts can
// never race with overlapping transaction ids.
type SyncCoordinator struct {
	transport SyncTransport
	ledger    *ActionLedger
	config    SyncConfig
	logger    *slog.Logger
	clock     func() time.Time
	newTxID   func() string

	mu          sync.Mutex
	syncing     bool
	state       SyncState
	lastAttempt time.Time
	stats       SyncStats
}

// CoordinatorOption customizes coordinator construction.
type CoordinatorOption func(*SyncCoordinator)

// WithCoordinatorClock overrides the time source, for deterministic tests.
func WithCoordinatorClock(clock func() time.Time) CoordinatorOption {
	return func(s *SyncCoordinator) { s.clock = clock }
}

// WithTransactionIDs overrides transaction id generation.
func WithTransactionIDs(newID func() string) CoordinatorOption {
	return func(s *SyncCoordinator) { s.newTxID = newID }
}

// WithLogger overrides the coordinator's logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(s *SyncCoordinator) { s.logger = logger }
}

// NewSyncCoordinator creates a coordinator bound to one ledger and transport.
func NewSyncCoordinator(transport SyncTransport, ledger *ActionLedger, config SyncConfig, opts ...CoordinatorOption) *SyncCoordinator {
	s := &SyncCoordinator{
		transport: transport,
		ledger:    ledger,
		config:    config,
		logger:    slog.Default(),
		clock:     time.Now,
		newTxID:   func() string { return uuid.NewString() },
		state:     SyncStateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the coordinator's current state.
func (s *SyncCoordinator) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a copy of the accumulated statistics.
func (s *SyncCoordinator) Stats() SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Sync performs one reconciliation exchange. Resolutions maps action id to a
// caller-chosen resolution, which always overrides the automatic policy.
//
// On any failure before a response is fully applied, the input collection is
// returned to the caller unchanged, the queue is preserved, and the
// coordinator resets to a retryable state.
func (s *SyncCoordinator) Sync(ctx context.Context, c *OfflineCollection, resolutions map[string]Resolution) (*SyncOutcome, error) {
	return s.sync(ctx, c, resolutions, false)
}

// ForceSync is Sync without the cooldown check.
func (s *SyncCoordinator) ForceSync(ctx context.Context, c *OfflineCollection, resolutions map[string]Resolution) (*SyncOutcome, error) {
	return s.sync(ctx, c, resolutions, true)
}

func (s *SyncCoordinator) sync(ctx context.Context, c *OfflineCollection, resolutions map[string]Resolution, force bool) (*SyncOutcome, error) {
	txID := s.newTxID()
	if err := s.begin(force, txID); err != nil {
		return nil, err
	}

	start := s.clock()
	outcome, err := s.exchange(ctx, c, resolutions, txID)

	s.mu.Lock()
	s.syncing = false
	s.stats.TotalAttempts++
	s.stats.LastDuration = s.clock().Sub(start)
	if err != nil {
		s.state = SyncStateFailed
		s.stats.Failures++
	} else {
		s.state = SyncStateSuccess
		s.stats.Successes++
		s.stats.ConflictsResolved += int64(len(outcome.Conflicts))
		s.stats.ActionsAcknowledged += int64(outcome.AcknowledgedActions)
		s.stats.ActionsDiscarded += int64(len(outcome.DiscardedActions))
		s.stats.LastSyncTime = s.clock()
		outcome.Duration = s.stats.LastDuration
	}
	s.mu.Unlock()

	return outcome, err
}

func (s *SyncCoordinator) begin(force bool, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncing {
		return newSyncError(SyncErrorTypeBusy, "sync already in progress", txID, nil)
	}
	now := s.clock()
	if !force && s.config.Cooldown > 0 && !s.lastAttempt.IsZero() {
		if wait := s.config.Cooldown - now.Sub(s.lastAttempt); wait > 0 {
			return newSyncError(SyncErrorTypeCooldown,
				fmt.Sprintf("sync cooldown active for %s", wait), txID, nil)
		}
	}
	s.syncing = true
	s.state = SyncStateSyncing
	s.lastAttempt = now
	return nil
}

func (s *SyncCoordinator) exchange(ctx context.Context, c *OfflineCollection, resolutions map[string]Resolution, txID string) (*SyncOutcome, error) {
	req := &SyncRequest{
		DeviceID:             c.DeviceID,
		OfflineActions:       c.ActionQueue,
		CollectionState:      c,
		ClientVersion:        s.config.ClientVersion,
		LastKnownServerState: c.LastSync,
		TransactionID:        txID,
	}

	resp, err := s.transport.Exchange(ctx, req)
	if err != nil {
		s.logger.Warn("sync transport failure, queue preserved",
			"transaction_id", txID, "queued", len(c.ActionQueue), "err", err)
		return nil, newSyncError(SyncErrorTypeTransport, "sync exchange failed", txID, err)
	}
	if !resp.Success {
		return nil, newSyncError(SyncErrorTypeRejected, "authority rejected sync request", txID, nil)
	}

	outcome, err := s.applyResponse(c, resp, resolutions)
	if err != nil {
		return nil, err
	}
	outcome.TransactionID = txID

	s.logger.Info("sync complete",
		"transaction_id", txID,
		"acknowledged", outcome.AcknowledgedActions,
		"conflicts", len(outcome.Conflicts),
		"discarded", len(outcome.DiscardedActions),
		"pending", outcome.PendingActions)
	return outcome, nil
}

// applyResponse reconciles the authority's response against a clone of the
// collection. Ordering matters: already-processed actions first, then
// conflicts with cascades, then server-side discards, then the authoritative
// state merge, and finally re-chaining and re-hashing.
func (s *SyncCoordinator) applyResponse(c *OfflineCollection, resp *SyncResponse, resolutions map[string]Resolution) (*SyncOutcome, error) {
	work := c.Clone()
	outcome := &SyncOutcome{}

	sent := make([]string, 0, len(c.ActionQueue))
	for _, a := range c.ActionQueue {
		sent = append(sent, a.ID)
	}

	s.reconcileActionQueue(work, resp.ExistingActionChain)

	// Conflicts never abort the sync; each resolves independently.
	discarded := make(map[string]bool)
	retained := make(map[string]bool)
	merged := make(map[string]bool)
	for _, wc := range resp.Conflicts {
		conflict := s.resolveConflict(work, wc, resolutions)
		outcome.Conflicts = append(outcome.Conflicts, conflict)

		switch conflict.Resolution {
		case ResolutionServerWins:
			for _, id := range conflict.CascadeImpact.DependentActionIDs {
				discarded[id] = true
			}
			RollbackActionCascade(work, conflict.CascadeImpact)
		case ResolutionMerge:
			// Adopt the authority's per-item view for the contested
			// entries; the action itself counts as handled.
			merged[conflict.ActionID] = true
			if conflict.ServerState != nil {
				for id, item := range conflict.ServerState.ItemsOwned {
					v := *item
					work.Items[id] = &v
				}
			}
		default:
			// user_wins and manual keep the action queued for the
			// next sync.
			retained[conflict.ActionID] = true
		}
	}

	// Actions the authority discarded outright cascade exactly like a
	// server_wins conflict.
	for _, id := range resp.DiscardedActions {
		if work.FindQueuedAction(id) == nil {
			continue
		}
		impact := CalculateCascadeImpact(id, work, s.config.CascadeWindow)
		for _, dep := range impact.DependentActionIDs {
			discarded[dep] = true
		}
		RollbackActionCascade(work, impact)
	}

	// Whatever was sent and is neither retained nor discarded leaves the
	// queue. Only actions the authority applied advance the acknowledged
	// count; a merge-consumed action was rejected, so its nonce was never
	// recorded server-side.
	acked := make(map[string]bool)
	removed := make(map[string]bool)
	for _, id := range sent {
		if retained[id] || discarded[id] {
			continue
		}
		if work.FindQueuedAction(id) == nil {
			continue
		}
		removed[id] = true
		if !merged[id] {
			acked[id] = true
		}
	}
	work.RemoveQueuedActions(removed)
	outcome.AcknowledgedActions = len(acked)
	s.ledger.UpdateServerAcknowledgedCount(s.ledger.ServerAcknowledgedCount() + int64(len(acked)))

	for id := range discarded {
		outcome.DiscardedActions = append(outcome.DiscardedActions, id)
	}
	sort.Strings(outcome.DiscardedActions)

	s.mergeAuthoritativeState(work, resp.NewServerState)

	if resp.NewSigningKey != nil {
		var expiry time.Time
		if resp.NewSigningKey.ExpiresAt > 0 {
			expiry = time.UnixMilli(resp.NewSigningKey.ExpiresAt)
		}
		if err := s.ledger.RotateSigningKey(resp.NewSigningKey.Key, resp.NewSigningKey.Version, expiry); err != nil {
			return nil, fmt.Errorf("rotate issued signing key: %w", err)
		}
		work.SigningKeyVersion = resp.NewSigningKey.Version
		outcome.KeyRotated = true
	}

	// Surviving actions re-chain against the post-reconciliation nonce
	// base, then the whole collection is re-hashed for persistence.
	if err := s.ledger.RechainQueue(work); err != nil {
		return nil, err
	}
	work.LastSync = s.clock().UnixMilli()
	work.ServerAckedCount = s.ledger.ServerAcknowledgedCount()
	work.Rehash()

	outcome.PendingActions = len(work.ActionQueue)
	outcome.Collection = work
	return outcome, nil
}

// reconcileActionQueue drops any queued action the authority reports as
// already processed, regardless of conflict outcome. The server is the sole
// source of truth for "already applied"; this also recovers from a client
// crash that lost track of its own send state.
func (s *SyncCoordinator) reconcileActionQueue(c *OfflineCollection, chain []ProcessedAction) {
	if len(chain) == 0 {
		return
	}
	processed := make(map[string]bool, len(chain))
	for _, p := range chain {
		processed[p.ActionID] = true
	}
	c.RemoveQueuedActions(processed)
	s.ledger.UpdateServerAcknowledgedCount(int64(len(chain)))
}

// resolveConflict picks the disposition for one conflict: an explicit
// caller-supplied resolution always overrides the automatic table. The
// cascade impact is computed before disposition so it reflects the queue as
// the conflict found it.
func (s *SyncCoordinator) resolveConflict(c *OfflineCollection, wc WireConflict, resolutions map[string]Resolution) SyncConflict {
	conflict := SyncConflict{
		ActionID:    wc.ActionID,
		Reason:      wc.Reason,
		ServerState: wc.ServerState,
	}
	action := c.FindQueuedAction(wc.ActionID)
	conflict.CascadeImpact = CalculateCascadeImpact(wc.ActionID, c, s.config.CascadeWindow)

	if r, ok := resolutions[wc.ActionID]; ok {
		conflict.Resolution = r
		return conflict
	}
	conflict.Resolution = resolveAutomatically(wc.Reason, action, s.clock(), s.config.StalenessThreshold)
	if conflict.Resolution == ResolutionManual && !knownConflictReason(wc.Reason) {
		s.logger.Warn("unknown conflict reason routed to manual resolution",
			"action_id", wc.ActionID, "reason", wc.Reason)
	}
	return conflict
}

func knownConflictReason(r ConflictReason) bool {
	return validationReasons[r] || r == ReasonActionTooOld || r == ReasonVersionMismatch
}

// mergeAuthoritativeState folds the authority's counters and item map into
// the collection. Currency and experience replace local values outright.
// Items merge per id with server entries winning — except when the server's
// map is empty while local entries exist (first sync before the authority
// has seen this device), in which case local entries are preserved.
func (s *SyncCoordinator) mergeAuthoritativeState(c *OfflineCollection, state *ServerState) {
	if state == nil {
		return
	}
	c.Currency = state.Currency
	c.Experience = state.Experience

	if len(state.ItemsOwned) == 0 {
		return
	}
	for id, item := range state.ItemsOwned {
		v := *item
		c.Items[id] = &v
	}
}
