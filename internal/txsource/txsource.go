// Package txsource pulls validator-scoped staking transactions from the
// nearblocks history API and reduces each, via the classifier, to a
// canonical store.Transaction, per SPEC_FULL.md §4.2.
package txsource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luganodes/near-staking-indexer/internal/classifier"
	"github.com/luganodes/near-staking-indexer/internal/decimal"
	"github.com/luganodes/near-staking-indexer/internal/store"
)

const (
	perPage           = 25
	maxPageRetries    = 5
	quotaExceededWait = 60 * time.Second
)

// TxStatusFetcher is the subset of the RPC gateway the source needs to
// fetch execution receipts for a raw transaction.
type TxStatusFetcher interface {
	TxStatus(ctx context.Context, txHash, sentinelAccount string) (map[string]interface{}, error)
}

// Source fetches and classifies new staking transactions for one validator.
type Source struct {
	httpClient  *http.Client
	limiter     *rate.Limiter
	gw          TxStatusFetcher
	balances    classifier.BalanceFetcher
	validatorID string
	log         *zap.Logger
}

func New(gw TxStatusFetcher, balances classifier.BalanceFetcher, validatorID string, log *zap.Logger) *Source {
	return &Source{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		// Limits outbound page fetches to 1/s, a courtesy cap layered on top
		// of the spec's explicit 60s quota-exceeded sleep, not a replacement
		// for it.
		limiter:     rate.NewLimiter(rate.Limit(1), 1),
		gw:          gw,
		balances:    balances,
		validatorID: validatorID,
		log:         log,
	}
}

type apiResponse struct {
	Txns    []map[string]interface{} `json:"txns"`
	Message string                   `json:"message"`
}

// FetchNew pages the history API strictly after afterBlock, returning the
// raw (unclassified) transaction objects.
func (s *Source) FetchNew(ctx context.Context, afterBlock uint64) ([]map[string]interface{}, error) {
	var all []map[string]interface{}
	page := 1

	for {
		txns, err := s.fetchPage(ctx, page, afterBlock)
		if err != nil {
			return nil, err
		}
		if len(txns) == 0 {
			return all, nil
		}
		all = append(all, txns...)
		page++
	}
}

func (s *Source) fetchPage(ctx context.Context, page int, afterBlock uint64) ([]map[string]interface{}, error) {
	url := fmt.Sprintf(
		"https://api.nearblocks.io/v1/account/%s/stake-txns?per_page=%d&order=asc&page=%d&after_block=%d",
		s.validatorID, perPage, page, afterBlock,
	)

	for attempt := 0; attempt < maxPageRetries; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", page, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			s.log.Warn("history api rate limited, sleeping", zap.Int("page", page))
			if err := sleepCtx(ctx, quotaExceededWait); err != nil {
				return nil, err
			}
			continue
		}

		var parsed apiResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if decodeErr != nil {
			s.log.Warn("unexpected history api response, retrying", zap.Int("page", page), zap.Error(decodeErr))
			continue
		}

		if strings.Contains(parsed.Message, "exceeded your API request limit") {
			s.log.Warn("history api quota exceeded, sleeping", zap.Int("page", page))
			if err := sleepCtx(ctx, quotaExceededWait); err != nil {
				return nil, err
			}
			continue
		}

		return parsed.Txns, nil
	}

	return nil, fmt.Errorf("page %d: exhausted %d retries on unexpected response", page, maxPageRetries)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Classify reduces raw transactions to persisted store.Transaction rows via
// the classifier, skipping (and logging) any transaction the classifier
// cannot reduce to a record.
func (s *Source) Classify(ctx context.Context, raw []map[string]interface{}) []store.Transaction {
	out := make([]store.Transaction, 0, len(raw))
	for _, tx := range raw {
		classified, err := s.classifyOne(ctx, tx)
		if err != nil {
			s.log.Warn("skipping transaction", zap.Error(err))
			continue
		}
		if classified != nil {
			out = append(out, *classified)
		}
	}
	return out
}

func (s *Source) classifyOne(ctx context.Context, tx map[string]interface{}) (*store.Transaction, error) {
	txHash, _ := tx["transaction_hash"].(string)
	if txHash == "" {
		return nil, fmt.Errorf("transaction missing transaction_hash")
	}

	txStatus, err := s.gw.TxStatus(ctx, txHash, "system")
	if err != nil {
		return nil, fmt.Errorf("tx_status %s: %w", txHash, err)
	}

	signerID, _ := tx["predecessor_account_id"].(string)
	blockHeight := blockHeightOf(tx)

	rec, err := classifier.Classify(ctx, tx, txStatus, signerID, blockHeight, s.balances, s.log)
	if err != nil {
		return nil, fmt.Errorf("classify %s: %w", txHash, err)
	}
	if rec == nil {
		return nil, nil
	}

	return &store.Transaction{
		TransactionHash:  txHash,
		DelegatorAddress: signerID,
		Amount:           decimal.Serialize(rec.Amount),
		Action:           string(rec.Action),
		Method:           rec.Method,
		Kind:             rec.Kind(),
		BlockHeight:      blockHeight,
		Timestamp:        timestampOf(tx),
	}, nil
}

func blockHeightOf(tx map[string]interface{}) uint64 {
	block, _ := tx["block"].(map[string]interface{})
	if block == nil {
		return 0
	}
	switch v := block["block_height"].(type) {
	case float64:
		return uint64(v)
	case string:
		n, _ := strconv.ParseUint(v, 10, 64)
		return n
	}
	return 0
}

func timestampOf(tx map[string]interface{}) time.Time {
	raw, _ := tx["block_timestamp"].(string)
	if raw == "" {
		return time.Now().UTC()
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(0, ns).UTC()
}
