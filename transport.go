package cardsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang/snappy"
)

// SyncRequest is the client half of the reconciliation exchange. The queued
// actions are transmitted in queue order so nonce progression matches the
// device's append order; the authority rejects batches whose nonce sequence
// does not extend its last recorded nonce for the device.
type SyncRequest struct {
	DeviceID             string             `json:"device_id"`
	OfflineActions       []*OfflineAction   `json:"offline_actions"`
	CollectionState      *OfflineCollection `json:"collection_state"`
	ClientVersion        string             `json:"client_version"`
	LastKnownServerState int64              `json:"last_known_server_state,omitempty"`

	// TransactionID lets the authority de-duplicate a retried request whose
	// prior response was lost in transit.
	TransactionID string `json:"transaction_id"`
}

// WireConflict is one rejected action as reported by the authority.
type WireConflict struct {
	ActionID    string               `json:"action_id"`
	Reason      ConflictReason       `json:"reason"`
	ServerState *ServerStateSnapshot `json:"server_state,omitempty"`
}

// ProcessedAction is one entry of the authority's per-device action chain.
type ProcessedAction struct {
	ActionID    string     `json:"action_id"`
	ActionType  ActionType `json:"action_type"`
	ProcessedAt int64      `json:"processed_at"`
}

// ServerState carries the authoritative counters and item map.
type ServerState struct {
	ItemsOwned map[string]*OwnedItem `json:"items_owned"`
	Currency   int64                 `json:"currency"`
	Experience int64                 `json:"experience"`
}

// WireSigningKey is a signing key issued by the authority.
type WireSigningKey struct {
	Key       []byte `json:"key"`
	Version   int    `json:"version"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// SyncResponse is the authority's half of the exchange.
type SyncResponse struct {
	Success             bool              `json:"success"`
	Conflicts           []WireConflict    `json:"conflicts,omitempty"`
	DiscardedActions    []string          `json:"discarded_actions,omitempty"`
	ExistingActionChain []ProcessedAction `json:"existing_action_chain,omitempty"`
	NewServerState      *ServerState      `json:"new_server_state,omitempty"`
	NewSigningKey       *WireSigningKey   `json:"new_signing_key,omitempty"`
}

// SyncTransport performs one request/response exchange with the remote
// authority. Implementations must not mutate the request.
type SyncTransport interface {
	Exchange(ctx context.Context, req *SyncRequest) (*SyncResponse, error)
}

// HTTPDoer abstracts the HTTP client for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPTransportConfig configures the HTTP sync transport.
type HTTPTransportConfig struct {
	// Endpoint is the base URL of the remote authority.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Timeout bounds each exchange attempt separately; a timed-out attempt
	// is retried under the Retry policy.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Compress enables snappy request encoding.
	Compress bool `json:"compress" yaml:"compress"`

	// Retry is the capped-exponential retry policy for the exchange. It is
	// externally configurable so tests can drive deterministic timing.
	Retry RetryConfig `json:"-" yaml:"-"`

	// HTTPClient overrides the HTTP client.
	HTTPClient HTTPDoer `json:"-" yaml:"-"`
}

// DefaultHTTPTransportConfig returns sensible defaults.
func DefaultHTTPTransportConfig(endpoint string) HTTPTransportConfig {
	return HTTPTransportConfig{
		Endpoint: endpoint,
		Timeout:  30 * time.Second,
		Compress: true,
		Retry:    DefaultRetryConfig(),
	}
}

// HTTPTransport exchanges sync requests with the authority over HTTP POST.
// Transient failures are retried with capped-exponential backoff and a
// circuit breaker sheds attempts while the authority is unreachable.
type HTTPTransport struct {
	config  HTTPTransportConfig
	client  HTTPDoer
	retryer *Retryer
	cb      *CircuitBreaker
	logger  *slog.Logger
}

// NewHTTPTransport creates an HTTP sync transport.
func NewHTTPTransport(config HTTPTransportConfig) *HTTPTransport {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	client := config.HTTPClient
	if client == nil {
		// Per-attempt deadlines come from the request context, not a
		// client-wide timeout.
		client = &http.Client{}
	}
	retry := config.Retry
	if retry.RetryIf == nil {
		retry.RetryIf = IsRetryable
	}
	return &HTTPTransport{
		config:  config,
		client:  client,
		retryer: NewRetryer(retry),
		cb:      NewCircuitBreaker(5, 60*time.Second),
		logger:  slog.Default(),
	}
}

// Exchange posts the request and decodes the authority's response.
func (t *HTTPTransport) Exchange(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	if t.config.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint not configured", ErrTransportFailure)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode sync request: %w", err)
	}
	encoding := "identity"
	if t.config.Compress {
		body = snappy.Encode(nil, body)
		encoding = "snappy"
	}

	var resp *SyncResponse
	result := t.retryer.Do(ctx, func() error {
		return t.cb.Execute(func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
			defer cancel()

			httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost,
				t.config.Endpoint+"/api/v1/sync", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			httpReq.Header.Set("Content-Type", "application/json")
			httpReq.Header.Set("Content-Encoding", encoding)
			httpReq.Header.Set("X-Sync-Device-ID", req.DeviceID)
			httpReq.Header.Set("X-Sync-Transaction-ID", req.TransactionID)

			httpResp, err := t.client.Do(httpReq)
			if err != nil {
				// Attempt deadline, not caller cancellation.
				if attemptCtx.Err() != nil && ctx.Err() == nil {
					return fmt.Errorf("request timeout after %s", t.config.Timeout)
				}
				return fmt.Errorf("send request: %w", err)
			}
			defer httpResp.Body.Close()

			if httpResp.StatusCode >= 500 {
				return fmt.Errorf("server error: status %d", httpResp.StatusCode)
			}
			if httpResp.StatusCode == http.StatusTooManyRequests {
				return fmt.Errorf("rate limited")
			}
			if httpResp.StatusCode >= 400 {
				msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
				return fmt.Errorf("client error %d: %s", httpResp.StatusCode, string(msg))
			}

			var decoded SyncResponse
			if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
				return fmt.Errorf("decode sync response: %w", err)
			}
			resp = &decoded
			return nil
		})
	})
	if result.LastErr != nil {
		t.logger.Warn("sync exchange failed",
			"transaction_id", req.TransactionID,
			"attempts", result.Attempts,
			"err", result.LastErr)
		return nil, fmt.Errorf("%w: %v", ErrTransportFailure, result.LastErr)
	}
	return resp, nil
}

var _ SyncTransport = (*HTTPTransport)(nil)
