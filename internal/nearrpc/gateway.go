// Package nearrpc wraps two independently configured NEAR JSON-RPC endpoints
// behind a single Gateway that fails over primary->secondary on any error and
// retries with exponential backoff when both fail, per SPEC_FULL.md §4.1.
package nearrpc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultRetryBaseDelay    = 1 * time.Second
	defaultMaxRetries        = 5
	validatorsRetryBaseDelay = 5 * time.Second
	validatorsMaxRetries     = 3
	rateLimitWait            = 10 * time.Second
)

// Gateway fronts a primary and a secondary NEAR RPC endpoint. It holds no
// mutable cross-call state beyond the primary/secondary transports
// themselves — every call's retry counter lives on that call's stack, so a
// Gateway is safe to share across concurrently running epoch tasks.
type Gateway struct {
	primary   *endpoint
	secondary *endpoint
	log       *zap.Logger
}

// New dials both endpoints. Dialing is just a struct allocation (NEAR RPC is
// plain HTTP, no handshake) so this never fails.
func New(primaryURL, secondaryURL string, log *zap.Logger) *Gateway {
	return &Gateway{
		primary:   dial(primaryURL),
		secondary: dial(secondaryURL),
		log:       log,
	}
}

// isUnknownBlock reports whether err is NEAR's UNKNOWN_BLOCK condition, which
// the gateway treats as "advance and keep going" rather than a failure.
func isUnknownBlock(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNKNOWN_BLOCK")
}

// isTooManyRequests reports whether err is a rate-limit signal from either
// endpoint, which always triggers backoff even on a call's first attempt.
func isTooManyRequests(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "TooManyRequests") ||
		strings.Contains(err.Error(), "too many requests") ||
		strings.Contains(err.Error(), "429"))
}

// attempt runs fn against the primary endpoint, falling back to the secondary
// on any error. It returns the secondary's error when both fail.
// A rate-limit signal from either endpoint always pays an extra fixed sleep
// on top of the caller's exponential backoff before the next retry, since a
// 429 means "slow down", not "the usual transient hiccup".
func (g *Gateway) attempt(ctx context.Context, fn func(*endpoint) error) error {
	if err := fn(g.primary); err != nil {
		if serr := fn(g.secondary); serr != nil {
			g.log.Debug("both endpoints failed", zap.Error(err), zap.NamedError("secondary", serr))
			if isTooManyRequests(err) || isTooManyRequests(serr) {
				g.log.Debug("rate limited, extending backoff", zap.Duration("wait", rateLimitWait))
				select {
				case <-ctx.Done():
				case <-time.After(rateLimitWait):
				}
			}
			return serr
		}
		return nil
	}
	return nil
}

// withRetry runs attemptFn, retrying with exponential backoff starting at
// baseDelay (doubling each time, no jitter so the cadence matches SPEC_FULL.md
// §4.1 exactly) up to maxRetries when both endpoints fail.
func withRetry(ctx context.Context, baseDelay time.Duration, maxRetries int, attemptFn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = baseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0

	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries)), ctx)

	var lastErr error
	err := backoff.Retry(func() error {
		lastErr = attemptFn()
		return lastErr
	}, bo)
	if err != nil {
		return fmt.Errorf("exhausted %d retries: %w", maxRetries, lastErr)
	}
	return nil
}

// blockRetryDelay computes the backoff delay for the nth retry of BlockAt's
// bespoke loop, which cannot use withRetry directly because UNKNOWN_BLOCK
// must advance height without charging a retry.
func blockRetryDelay(n int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = defaultRetryBaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	d := eb.InitialInterval
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * eb.Multiplier)
	}
	return d
}

// LatestFinalHeight returns the height of the latest finalised block.
func (g *Gateway) LatestFinalHeight(ctx context.Context) (uint64, error) {
	var block Block
	err := withRetry(ctx, defaultRetryBaseDelay, defaultMaxRetries, func() error {
		return g.attempt(ctx, func(e *endpoint) error {
			return e.call(ctx, "block", finalityParams{Finality: "final"}, &block)
		})
	})
	if err != nil {
		return 0, fmt.Errorf("latest final height: %w", err)
	}
	return block.Header.Height, nil
}

// BlockAt fetches the block header at height, transparently advancing height
// on UNKNOWN_BLOCK (a gap for a skipped slot) and after exhausting retries on
// any other transient error — callers must use the returned actualHeight,
// which is always >= the requested height.
func (g *Gateway) BlockAt(ctx context.Context, height uint64) (actualHeight uint64, hdr BlockHeader, err error) {
	retries := 0
	for {
		var block Block
		callErr := g.attempt(ctx, func(e *endpoint) error {
			return e.call(ctx, "block", blockIDParams{BlockID: height}, &block)
		})
		if callErr == nil {
			return height, block.Header, nil
		}

		if isUnknownBlock(callErr) {
			g.log.Debug("UNKNOWN_BLOCK, advancing", zap.Uint64("height", height))
			height++
			retries = 0
			continue
		}

		retries++
		if retries > defaultMaxRetries {
			g.log.Warn("block_at exhausted retries, advancing height", zap.Uint64("height", height), zap.Error(callErr))
			height++
			retries = 0
			continue
		}

		delay := blockRetryDelay(retries)
		select {
		case <-ctx.Done():
			return 0, BlockHeader{}, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// CallView invokes a read-only contract method at a historical block height
// and returns the raw view-call result bytes.
func (g *Gateway) CallView(ctx context.Context, accountID, method string, args map[string]interface{}, blockHeight uint64) ([]byte, error) {
	var result callFunctionResult
	err := withRetry(ctx, defaultRetryBaseDelay, defaultMaxRetries, func() error {
		return g.attempt(ctx, func(e *endpoint) error {
			return e.call(ctx, "query", callFunctionParams{
				RequestType: "call_function",
				BlockID:     blockHeight,
				AccountID:   accountID,
				MethodName:  method,
				ArgsBase64:  encodeArgs(args),
			}, &result)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("call_view %s.%s@%d: %w", accountID, method, blockHeight, err)
	}
	return result.Result, nil
}

// TxStatus fetches the execution outcome (including receipts) for a
// transaction hash, using sentinelAccount as NEAR's required (often
// unrelated) "system" account hint for routing the lookup.
func (g *Gateway) TxStatus(ctx context.Context, txHash, sentinelAccount string) (map[string]interface{}, error) {
	var result map[string]interface{}
	err := withRetry(ctx, defaultRetryBaseDelay, defaultMaxRetries, func() error {
		return g.attempt(ctx, func(e *endpoint) error {
			return e.call(ctx, "EXPERIMENTAL_tx_status", txStatusParams{TxHash: txHash, SenderAccountID: sentinelAccount}, &result)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("tx_status %s: %w", txHash, err)
	}
	return result, nil
}

// Validators fetches the active validator set for epochID, or the current
// epoch's set when epochID is empty.
func (g *Gateway) Validators(ctx context.Context, epochID string) (map[string]interface{}, error) {
	var params interface{} = validatorsParams{EpochID: nil}
	if epochID != "" {
		params = validatorsParams{EpochID: epochID}
	}
	var result map[string]interface{}
	err := withRetry(ctx, validatorsRetryBaseDelay, validatorsMaxRetries, func() error {
		return g.attempt(ctx, func(e *endpoint) error {
			return e.call(ctx, "validators", params, &result)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("validators(%s): %w", epochID, err)
	}
	return result, nil
}

// EpochIDAt is a convenience over BlockAt that returns only the actual height
// and its epoch id.
func (g *Gateway) EpochIDAt(ctx context.Context, height uint64) (actualHeight uint64, epochID string, err error) {
	actualHeight, hdr, err := g.BlockAt(ctx, height)
	if err != nil {
		return 0, "", err
	}
	return actualHeight, hdr.EpochID, nil
}

