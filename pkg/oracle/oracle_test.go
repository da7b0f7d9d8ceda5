package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBalancesOfBatchesOneRequest(t *testing.T) {
	var reqCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqCount++
		var reqs []jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reqs))
		require.Len(t, reqs, 2)

		resps := make([]jsonRPCResponse, len(reqs))
		for i, req := range reqs {
			val := "0x64" // 100
			if i == 1 {
				val = "0xc8" // 200
			}
			b, _ := json.Marshal(val)
			resps[i] = jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: b}
		}
		json.NewEncoder(w).Encode(resps)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "0xToken")
	require.NoError(t, err)

	balances, err := c.BalancesOf(context.Background(), []string{"0xAddr1", "0xAddr2"})
	require.NoError(t, err)
	require.Equal(t, 1, reqCount)
	require.Equal(t, "100", balances["0xAddr1"].String())
	require.Equal(t, "200", balances["0xAddr2"].String())
}

func TestNewRejectsEmptyConfig(t *testing.T) {
	_, err := New("", "0xToken")
	require.Error(t, err)
	_, err = New("http://x", "")
	require.Error(t, err)
}

func TestCurrentBlockNumber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := json.Marshal("0x2a")
		json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: 0, Result: b})
	}))
	defer srv.Close()

	c, err := New(srv.URL, "0xToken")
	require.NoError(t, err)
	n, err := c.CurrentBlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(42), n)
}

func TestEncodeAddressParamPadsTo32Bytes(t *testing.T) {
	encoded := encodeAddressParam("0x1234567890123456789012345678901234567890")
	require.Len(t, encoded, 64)
}
