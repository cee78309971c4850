package nearrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// rpcServer builds an httptest server that answers "block" requests using
// handler, which receives the requested height and returns the epoch id to
// reply with, or an error string to fail with (e.g. "UNKNOWN_BLOCK").
func rpcServer(t *testing.T, handler func(height uint64) (epochID string, failWith string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			Params struct {
				BlockID uint64 `json:"block_id"`
			} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		epochID, failWith := handler(req.Params.BlockID)
		if failWith != "" {
			resp := fmt.Sprintf(`{"jsonrpc":"2.0","id":"indexer","error":{"name":"HANDLER_ERROR","data":%q}}`, failWith)
			w.Write([]byte(resp))
			return
		}
		resp := fmt.Sprintf(`{"jsonrpc":"2.0","id":"indexer","result":{"header":{"height":%d,"epoch_id":%q,"timestamp_nanosec":"%d"}}}`,
			req.Params.BlockID, epochID, time.Now().UnixNano())
		w.Write([]byte(resp))
	}))
}

func TestGateway_BlockAt_AdvancesOnUnknownBlock(t *testing.T) {
	srv := rpcServer(t, func(height uint64) (string, string) {
		if height == 150 {
			return "", "UNKNOWN_BLOCK"
		}
		return "A", ""
	})
	defer srv.Close()

	gw := New(srv.URL, srv.URL, zap.NewNop())
	actual, hdr, err := gw.BlockAt(context.Background(), 150)
	require.NoError(t, err)
	assert.Equal(t, uint64(151), actual)
	assert.Equal(t, "A", hdr.EpochID)
}

func TestGateway_BlockAt_ReturnsRequestedHeightOnSuccess(t *testing.T) {
	srv := rpcServer(t, func(height uint64) (string, string) {
		return "A", ""
	})
	defer srv.Close()

	gw := New(srv.URL, srv.URL, zap.NewNop())
	actual, hdr, err := gw.BlockAt(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), actual)
	assert.Equal(t, "A", hdr.EpochID)
}

func TestGateway_Failover_PrimaryDownSecondaryServes(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := rpcServer(t, func(height uint64) (string, string) { return "B", "" })
	defer good.Close()

	gw := New(bad.URL, good.URL, zap.NewNop())
	actual, hdr, err := gw.BlockAt(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), actual)
	assert.Equal(t, "B", hdr.EpochID)
}

func TestGateway_LatestFinalHeight_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.Write([]byte(`{"jsonrpc":"2.0","id":"indexer","error":{"name":"TIMEOUT","data":"timeout"}}`))
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":"indexer","result":{"header":{"height":999,"epoch_id":"Z","timestamp_nanosec":"1"}}}`))
	}))
	defer srv.Close()

	gw := New(srv.URL, srv.URL, zap.NewNop())
	height, err := gw.LatestFinalHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(999), height)
}

func TestGateway_LatestFinalHeight_ExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":"indexer","error":{"name":"DOWN","data":"down"}}`))
	}))
	defer srv.Close()

	gw := New(srv.URL, srv.URL, zap.NewNop())
	_, err := gw.LatestFinalHeight(context.Background())
	assert.Error(t, err)
}

func TestIsUnknownBlock(t *testing.T) {
	assert.True(t, isUnknownBlock(fmt.Errorf("rpc block: %w", &rpcError{Data: []byte(`"UNKNOWN_BLOCK"`)})))
	assert.False(t, isUnknownBlock(nil))
	assert.False(t, isUnknownBlock(fmt.Errorf("some other error")))
}

func TestIsTooManyRequests(t *testing.T) {
	assert.True(t, isTooManyRequests(fmt.Errorf("rpc validators: TooManyRequests")))
	assert.True(t, isTooManyRequests(fmt.Errorf("429")))
	assert.False(t, isTooManyRequests(fmt.Errorf("network unreachable")))
}
