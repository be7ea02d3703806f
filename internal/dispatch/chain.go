package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tangible-labs/assetcycle/model"
)

const defaultDedupTTL = 24 * time.Hour

// ChainDispatcher handles blockchain_transaction actions: it submits the
// transaction request to the chain gateway and deduplicates by the action's
// reference parameter, so a retried step returns the original submission
// result instead of double-spending.
type ChainDispatcher struct {
	caller httpCaller
	dedup  DedupStore
	ttl    time.Duration
}

// NewChainDispatcher creates a chain dispatcher for the given gateway base
// URL. A nil dedup store disables deduplication.
func NewChainDispatcher(baseURL string, timeout time.Duration, dedup DedupStore) *ChainDispatcher {
	return &ChainDispatcher{
		caller: newHTTPCaller(baseURL, timeout),
		dedup:  dedup,
		ttl:    defaultDedupTTL,
	}
}

// WithDedupTTL overrides how long dedup entries live. Zero keeps the default.
func (d *ChainDispatcher) WithDedupTTL(ttl time.Duration) *ChainDispatcher {
	if ttl > 0 {
		d.ttl = ttl
	}
	return d
}

// Supports reports whether the action type is blockchain_transaction.
func (d *ChainDispatcher) Supports(actionType model.ActionType) bool {
	return actionType == model.ActionBlockchainTx
}

// Dispatch submits the transaction, consulting the dedup store first when the
// action carries a reference parameter.
func (d *ChainDispatcher) Dispatch(ctx context.Context, rctx *model.RequestContext, assetID string, action model.WorkflowAction) (map[string]any, error) {
	payload := map[string]any{"asset_id": assetID}
	for k, v := range action.Parameters {
		payload[k] = v
	}

	reference, _ := action.Parameters["reference"].(string)
	inputHash, err := hashParams(payload)
	if err != nil {
		return nil, err
	}

	if d.dedup != nil && reference != "" {
		key := FormatDedupKey(model.ActionBlockchainTx, reference)
		cached, found, err := d.dedup.Check(ctx, key, inputHash)
		if err != nil {
			return nil, err
		}
		if found {
			return cached, nil
		}

		result, err := d.caller.postJSON(ctx, rctx, "/v1/transactions", payload)
		if err != nil {
			return nil, err
		}
		if err := d.dedup.Store(ctx, key, inputHash, result, d.ttl); err != nil {
			return nil, err
		}
		return result, nil
	}

	return d.caller.postJSON(ctx, rctx, "/v1/transactions", payload)
}

// hashParams produces a stable SHA-256 digest of the payload for dedup
// comparison. Map keys are sorted so equivalent payloads hash identically.
func hashParams(payload map[string]any) (string, error) {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		v, err := json.Marshal(payload[k])
		if err != nil {
			return "", fmt.Errorf("dispatch: hash payload field %q: %w", k, err)
		}
		h.Write([]byte(k))
		h.Write(v)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
