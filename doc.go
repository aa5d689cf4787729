// Package cardsync provides the offline-first synchronization core for a
// networked card-game client.
//
// Cardsync keeps gameplay fully functional without connectivity: every
// mutation is recorded as a signed, hash-chained action in a local queue and
// reconciled with the remote authority when a connection returns.
//
// # Basic Usage
//
// Build a ledger and coordinator with default configuration:
//
//	cfg := cardsync.DefaultConfig()
//	cfg.Device.DeviceID = "device-1234"
//	cfg.Transport.Endpoint = "https://sync.example.com"
//
//	ledger := cardsync.NewActionLedger(cfg.Device.DeviceID)
//	coord := cardsync.NewSyncCoordinator(cfg.BuildTransport(), ledger, cfg.Sync)
//
// Record offline play:
//
//	collection := cardsync.NewOfflineCollection(cfg.Device.DeviceID, "user-1", ledger.ActiveKeyVersion())
//	_, err := ledger.AppendAction(collection, cardsync.ActionCardAcquired,
//	    cardsync.ActionPayload{ItemID: "card_042", Quantity: 1})
//
// Reconcile when online:
//
//	outcome, err := coord.Sync(ctx, collection, nil)
//	if err == nil {
//	    collection = outcome.Collection
//	}
//
// # Features
//
// Tamper evidence:
//   - HMAC-SHA256 signatures over a canonical action encoding
//   - Hash chaining so edits invalidate everything after them
//   - Monotonic nonces preventing replay and reordering
//   - Integrity-hashed collections verified on every load
//
// Reconciliation:
//   - Policy-driven conflict resolution with caller overrides
//   - Cascading rollback of causally dependent actions
//   - Authoritative state merge with first-sync local preservation
//   - Transaction ids for idempotent retry
//
// Storage & transport:
//   - Pluggable key-value backends (SQLite, file, memory, S3)
//   - Per-user scoping for shared devices
//   - HTTP and WebSocket transports with retry and circuit breaking
//   - Snappy compression for persisted and transmitted payloads
//
// # Configuration
//
// Use [Config] to customize behavior:
//
//	cfg := cardsync.Config{
//	    Transport: cardsync.TransportConfig{
//	        Endpoint: "https://sync.example.com",
//	    },
//	    Sync: cardsync.SyncConfig{
//	        Cooldown:           30 * time.Second,
//	        StalenessThreshold: 24 * time.Hour,
//	    },
//	}
//
// Or use [DefaultConfig] for sensible defaults.
package cardsync
