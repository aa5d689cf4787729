package cardsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeTransport struct {
	exchange func(ctx context.Context, req *SyncRequest) (*SyncResponse, error)
	requests []*SyncRequest
}

func (f *fakeTransport) Exchange(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	f.requests = append(f.requests, req)
	return f.exchange(ctx, req)
}

func testCoordinator(t *testing.T, transport SyncTransport, cfg SyncConfig) (*SyncCoordinator, *ActionLedger) {
	t.Helper()
	l := testLedger(t)
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "1.0.0"
	}
	if cfg.StalenessThreshold == 0 {
		cfg.StalenessThreshold = 24 * time.Hour
	}
	if cfg.CascadeWindow == 0 {
		cfg.CascadeWindow = 30 * time.Second
	}
	n := 0
	coord := NewSyncCoordinator(transport, l, cfg,
		WithCoordinatorClock(func() time.Time { return time.UnixMilli(1_700_000_100_000) }),
		WithTransactionIDs(func() string { n++; return fmt.Sprintf("tx-%d", n) }),
	)
	return coord, l
}

func queueActions(t *testing.T, l *ActionLedger, c *OfflineCollection, items ...string) {
	t.Helper()
	for _, id := range items {
		if _, err := l.AppendAction(c, ActionCardAcquired, ActionPayload{ItemID: id, Quantity: 1}); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
}

func TestSyncAcknowledgesAppliedActions(t *testing.T) {
	transport := &fakeTransport{
		exchange: func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
			return &SyncResponse{
				Success: true,
				NewServerState: &ServerState{
					Currency:   500,
					Experience: 1200,
					ItemsOwned: map[string]*OwnedItem{
						"card_a": {Quantity: 1},
						"card_b": {Quantity: 1},
					},
				},
			}, nil
		},
	}
	coord, l := testCoordinator(t, transport, SyncConfig{})
	c := NewOfflineCollection("device-1", "user-1", 1)
	queueActions(t, l, c, "card_a", "card_b")

	outcome, err := coord.Sync(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	if outcome.AcknowledgedActions != 2 {
		t.Errorf("expected 2 acknowledged, got %d", outcome.AcknowledgedActions)
	}
	if len(outcome.Collection.ActionQueue) != 0 {
		t.Errorf("expected empty queue, got %d", len(outcome.Collection.ActionQueue))
	}
	if outcome.Collection.Currency != 500 || outcome.Collection.Experience != 1200 {
		t.Errorf("authoritative counters not adopted: %d/%d",
			outcome.Collection.Currency, outcome.Collection.Experience)
	}
	if outcome.Collection.LastSync == 0 {
		t.Error("last_sync not updated")
	}
	if err := VerifyCollectionIntegrity(outcome.Collection); err != nil {
		t.Errorf("reconciled collection hash stale: %v", err)
	}
	if got := l.ServerAcknowledgedCount(); got != 2 {
		t.Errorf("expected acknowledged count 2, got %d", got)
	}
	if outcome.Collection.ServerAckedCount != 2 {
		t.Errorf("acknowledged count not persisted on collection: %d",
			outcome.Collection.ServerAckedCount)
	}
	if coord.State() != SyncStateSuccess {
		t.Errorf("expected success state, got %v", coord.State())
	}

	// The request carried the full queue and a transaction id.
	req := transport.requests[0]
	if len(req.OfflineActions) != 2 || req.TransactionID != "tx-1" {
		t.Errorf("unexpected request: %d actions, tx %q", len(req.OfflineActions), req.TransactionID)
	}
}

func TestSyncTransportFailureLeavesCollectionUntouched(t *testing.T) {
	transport := &fakeTransport{
		exchange: func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
			return nil, fmt.Errorf("%w: connection refused", ErrTransportFailure)
		},
	}
	coord, l := testCoordinator(t, transport, SyncConfig{})
	c := NewOfflineCollection("device-1", "user-1", 1)
	queueActions(t, l, c, "card_a", "card_b")
	hashBefore := c.CollectionHash

	_, err := coord.Sync(context.Background(), c, nil)
	if !errors.Is(err, ErrTransportFailure) {
		t.Fatalf("expected ErrTransportFailure, got %v", err)
	}

	if c.CollectionHash != hashBefore {
		t.Error("collection mutated by failed sync")
	}
	if len(c.ActionQueue) != 2 {
		t.Errorf("queue not preserved: %d actions", len(c.ActionQueue))
	}
	if coord.State() != SyncStateFailed {
		t.Errorf("expected failed state, got %v", coord.State())
	}

	// The failure is retryable: flip the transport and sync again.
	transport.exchange = func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
		return &SyncResponse{Success: true}, nil
	}
	outcome, err := coord.Sync(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("retry sync: %v", err)
	}
	if outcome.AcknowledgedActions != 2 {
		t.Errorf("retry did not acknowledge actions: %d", outcome.AcknowledgedActions)
	}
}

func TestSyncRejectsConcurrentAttempt(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	transport := &fakeTransport{
		exchange: func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
			close(started)
			<-release
			return &SyncResponse{Success: true}, nil
		},
	}
	coord, _ := testCoordinator(t, transport, SyncConfig{})
	c := NewOfflineCollection("device-1", "user-1", 1)

	done := make(chan error, 1)
	go func() {
		_, err := coord.Sync(context.Background(), c, nil)
		done <- err
	}()
	<-started

	_, err := coord.Sync(context.Background(), c, nil)
	if !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("expected ErrSyncInProgress, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
}

func TestSyncCooldown(t *testing.T) {
	transport := &fakeTransport{
		exchange: func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
			return &SyncResponse{Success: true}, nil
		},
	}
	coord, _ := testCoordinator(t, transport, SyncConfig{Cooldown: time.Hour})
	c := NewOfflineCollection("device-1", "user-1", 1)

	if _, err := coord.Sync(context.Background(), c, nil); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if _, err := coord.Sync(context.Background(), c, nil); !errors.Is(err, ErrSyncCooldownActive) {
		t.Errorf("expected ErrSyncCooldownActive, got %v", err)
	}
	if _, err := coord.ForceSync(context.Background(), c, nil); err != nil {
		t.Errorf("force sync blocked by cooldown: %v", err)
	}
}

func TestSyncConflictServerWinsCascades(t *testing.T) {
	var packID string
	transport := &fakeTransport{
		exchange: func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
			return &SyncResponse{
				Success: true,
				Conflicts: []WireConflict{{
					ActionID: packID,
					Reason:   ReasonInsufficientBalance,
				}},
			}, nil
		},
	}
	coord, l := testCoordinator(t, transport, SyncConfig{})

	c := NewOfflineCollection("device-1", "user-1", 1)
	pack, err := l.AppendAction(c, ActionPackOpened, ActionPayload{PackType: "basic"})
	if err != nil {
		t.Fatalf("append pack: %v", err)
	}
	packID = pack.ID
	if _, err := l.AppendAction(c, ActionCardAcquired, ActionPayload{
		ItemID: "card_rare", Quantity: 1, BatchID: pack.ID,
	}); err != nil {
		t.Fatalf("append acquisition: %v", err)
	}
	if _, err := l.AppendAction(c, ActionCardAcquired, ActionPayload{
		ItemID: "card_unrelated", Quantity: 1, BatchID: "earlier-pack",
	}); err != nil {
		t.Fatalf("append unrelated: %v", err)
	}

	outcome, err := coord.Sync(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	if len(outcome.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(outcome.Conflicts))
	}
	conflict := outcome.Conflicts[0]
	if conflict.Resolution != ResolutionServerWins {
		t.Errorf("expected server_wins, got %q", conflict.Resolution)
	}
	if conflict.CascadeImpact == nil || conflict.CascadeImpact.TotalActions != 2 {
		t.Errorf("expected cascade of 2 actions, got %+v", conflict.CascadeImpact)
	}

	// Pack and its acquisition rolled back; unrelated action acknowledged.
	if _, ok := outcome.Collection.Items["card_rare"]; ok {
		t.Error("cascaded item survived")
	}
	if outcome.AcknowledgedActions != 1 {
		t.Errorf("expected 1 acknowledged, got %d", outcome.AcknowledgedActions)
	}
	if len(outcome.DiscardedActions) != 2 {
		t.Errorf("expected 2 discarded, got %v", outcome.DiscardedActions)
	}
	if len(outcome.Collection.ActionQueue) != 0 {
		t.Errorf("expected empty queue, got %d", len(outcome.Collection.ActionQueue))
	}
}

func TestSyncCallerResolutionOverrides(t *testing.T) {
	var conflictID string
	transport := &fakeTransport{
		exchange: func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
			return &SyncResponse{
				Success: true,
				Conflicts: []WireConflict{{
					ActionID: conflictID,
					Reason:   ReasonInsufficientBalance,
				}},
			}, nil
		},
	}
	coord, l := testCoordinator(t, transport, SyncConfig{})
	c := NewOfflineCollection("device-1", "user-1", 1)
	queueActions(t, l, c, "card_a")
	conflictID = c.ActionQueue[0].ID

	outcome, err := coord.Sync(context.Background(), c,
		map[string]Resolution{conflictID: ResolutionUserWins})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	// The override keeps the action queued despite the server_wins default.
	if outcome.Conflicts[0].Resolution != ResolutionUserWins {
		t.Errorf("override ignored: %q", outcome.Conflicts[0].Resolution)
	}
	if outcome.PendingActions != 1 {
		t.Errorf("expected 1 pending action, got %d", outcome.PendingActions)
	}
	if _, ok := outcome.Collection.Items["card_a"]; !ok {
		t.Error("retained action's item was rolled back")
	}

	// The retained action was rechained and still verifies.
	if err := l.VerifyActionChain(outcome.Collection.ActionQueue); err != nil {
		t.Errorf("retained queue failed verification: %v", err)
	}
}

func TestSyncMergeConsumesActionWithoutAck(t *testing.T) {
	var conflictID string
	transport := &fakeTransport{
		exchange: func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
			return &SyncResponse{
				Success: true,
				Conflicts: []WireConflict{{
					ActionID: conflictID,
					Reason:   ReasonInsufficientBalance,
					ServerState: &ServerStateSnapshot{
						ItemsOwned: map[string]*OwnedItem{"card_a": {Quantity: 5}},
					},
				}},
			}, nil
		},
	}
	coord, l := testCoordinator(t, transport, SyncConfig{})
	c := NewOfflineCollection("device-1", "user-1", 1)
	queueActions(t, l, c, "card_a", "card_b")
	conflictID = c.ActionQueue[0].ID

	outcome, err := coord.Sync(context.Background(), c,
		map[string]Resolution{conflictID: ResolutionMerge})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	if outcome.Conflicts[0].Resolution != ResolutionMerge {
		t.Errorf("expected merge resolution, got %q", outcome.Conflicts[0].Resolution)
	}
	// The merged action leaves the queue, but the authority rejected it, so
	// only card_b advances the acknowledged count.
	if outcome.AcknowledgedActions != 1 {
		t.Errorf("expected 1 acknowledged, got %d", outcome.AcknowledgedActions)
	}
	if got := l.ServerAcknowledgedCount(); got != 1 {
		t.Errorf("merge advanced acknowledged count: %d", got)
	}
	if len(outcome.Collection.ActionQueue) != 0 {
		t.Errorf("merged action still queued: %d pending", len(outcome.Collection.ActionQueue))
	}
	if item := outcome.Collection.Items["card_a"]; item == nil || item.Quantity != 5 {
		t.Errorf("server snapshot not adopted for card_a: %+v", item)
	}
}

func TestSyncManualConflictStaysQueued(t *testing.T) {
	var conflictID string
	transport := &fakeTransport{
		exchange: func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
			return &SyncResponse{
				Success: true,
				Conflicts: []WireConflict{{
					ActionID: conflictID,
					Reason:   ReasonVersionMismatch,
				}},
			}, nil
		},
	}
	coord, l := testCoordinator(t, transport, SyncConfig{})
	c := NewOfflineCollection("device-1", "user-1", 1)
	queueActions(t, l, c, "card_a")
	conflictID = c.ActionQueue[0].ID

	outcome, err := coord.Sync(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if outcome.Conflicts[0].Resolution != ResolutionManual {
		t.Errorf("expected manual resolution, got %q", outcome.Conflicts[0].Resolution)
	}
	if outcome.PendingActions != 1 {
		t.Errorf("expected action retained for next sync, got %d pending", outcome.PendingActions)
	}
}

func TestSyncDiscardedActionsCascade(t *testing.T) {
	var discardID string
	transport := &fakeTransport{
		exchange: func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
			return &SyncResponse{
				Success:          true,
				DiscardedActions: []string{discardID},
			}, nil
		},
	}
	coord, l := testCoordinator(t, transport, SyncConfig{})
	c := NewOfflineCollection("device-1", "user-1", 1)
	queueActions(t, l, c, "card_a", "card_b")
	discardID = c.ActionQueue[0].ID

	outcome, err := coord.Sync(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(outcome.DiscardedActions) != 1 || outcome.DiscardedActions[0] != discardID {
		t.Errorf("expected discard of %s, got %v", discardID, outcome.DiscardedActions)
	}
	if _, ok := outcome.Collection.Items["card_a"]; ok {
		t.Error("discarded action's item survived")
	}
	if _, ok := outcome.Collection.Items["card_b"]; !ok {
		t.Error("unrelated item removed")
	}
	if outcome.AcknowledgedActions != 1 {
		t.Errorf("expected 1 acknowledged, got %d", outcome.AcknowledgedActions)
	}
}

func TestSyncExistingChainReconciliation(t *testing.T) {
	var firstID string
	transport := &fakeTransport{
		exchange: func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
			// The server already has the first action from a response that
			// was lost in transit.
			return &SyncResponse{
				Success: true,
				ExistingActionChain: []ProcessedAction{
					{ActionID: firstID, ActionType: ActionCardAcquired, ProcessedAt: 1},
				},
			}, nil
		},
	}
	coord, l := testCoordinator(t, transport, SyncConfig{})
	c := NewOfflineCollection("device-1", "user-1", 1)
	queueActions(t, l, c, "card_a", "card_b")
	firstID = c.ActionQueue[0].ID

	outcome, err := coord.Sync(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(outcome.Collection.ActionQueue) != 0 {
		t.Errorf("expected empty queue, got %d", len(outcome.Collection.ActionQueue))
	}
	// One via the chain, one freshly acknowledged.
	if got := l.ServerAcknowledgedCount(); got != 2 {
		t.Errorf("expected acknowledged count 2, got %d", got)
	}
}

func TestSyncMergePreservesLocalOnEmptyServerItems(t *testing.T) {
	transport := &fakeTransport{
		exchange: func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
			return &SyncResponse{
				Success: true,
				NewServerState: &ServerState{
					Currency:   100,
					ItemsOwned: map[string]*OwnedItem{},
				},
			}, nil
		},
	}
	coord, l := testCoordinator(t, transport, SyncConfig{})
	c := NewOfflineCollection("device-1", "user-1", 1)
	queueActions(t, l, c, "card_local")

	outcome, err := coord.Sync(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, ok := outcome.Collection.Items["card_local"]; !ok {
		t.Error("local items wiped by empty server item map")
	}
	if outcome.Collection.Currency != 100 {
		t.Errorf("currency not adopted: %d", outcome.Collection.Currency)
	}
}

func TestSyncAdoptsIssuedSigningKey(t *testing.T) {
	transport := &fakeTransport{
		exchange: func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
			return &SyncResponse{
				Success: true,
				NewSigningKey: &WireSigningKey{
					Key:     []byte("rotated-key-material-rotated-key"),
					Version: 2,
				},
			}, nil
		},
	}
	coord, l := testCoordinator(t, transport, SyncConfig{})
	c := NewOfflineCollection("device-1", "user-1", 1)
	queueActions(t, l, c, "card_a")

	outcome, err := coord.Sync(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !outcome.KeyRotated {
		t.Error("key rotation not reported")
	}
	if l.ActiveKeyVersion() != 2 {
		t.Errorf("ledger not rotated: version %d", l.ActiveKeyVersion())
	}
	if outcome.Collection.SigningKeyVersion != 2 {
		t.Errorf("collection key version not updated: %d", outcome.Collection.SigningKeyVersion)
	}
}

func TestSyncRejectedResponse(t *testing.T) {
	transport := &fakeTransport{
		exchange: func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
			return &SyncResponse{Success: false}, nil
		},
	}
	coord, l := testCoordinator(t, transport, SyncConfig{})
	c := NewOfflineCollection("device-1", "user-1", 1)
	queueActions(t, l, c, "card_a")
	hashBefore := c.CollectionHash

	_, err := coord.Sync(context.Background(), c, nil)
	if err == nil {
		t.Fatal("expected error for rejected response")
	}
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Type != SyncErrorTypeRejected {
		t.Errorf("expected rejected SyncError, got %v", err)
	}
	if c.CollectionHash != hashBefore {
		t.Error("collection mutated by rejected sync")
	}
}

func TestSyncStats(t *testing.T) {
	transport := &fakeTransport{
		exchange: func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
			return &SyncResponse{Success: true}, nil
		},
	}
	coord, l := testCoordinator(t, transport, SyncConfig{})
	c := NewOfflineCollection("device-1", "user-1", 1)
	queueActions(t, l, c, "card_a")

	if _, err := coord.Sync(context.Background(), c, nil); err != nil {
		t.Fatalf("sync: %v", err)
	}
	stats := coord.Stats()
	if stats.TotalAttempts != 1 || stats.Successes != 1 || stats.Failures != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.ActionsAcknowledged != 1 {
		t.Errorf("expected 1 acknowledged in stats, got %d", stats.ActionsAcknowledged)
	}
}
