package jsonrpc

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCallCorrelatesResponsesByTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// Respond out of order to prove correlation is by id, not position.
		w.Write([]byte(`[
			{"id":1,"result":"0x2"},
			{"id":0,"result":"0x1"}
		]`))
	}))
	defer srv.Close()

	tr := New(srv.URL, srv.Client())
	batch := []Request{
		{Method: "eth_getBlockByNumber", Params: []interface{}{"0x1", true}, Tag: "block-1"},
		{Method: "eth_getBlockByNumber", Params: []interface{}{"0x2", true}, Tag: "block-2"},
	}
	resp, err := tr.Call(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, resp, 2)
	require.Equal(t, "block-1", resp[0].Tag)
	require.Equal(t, `"0x1"`, string(resp[0].Result))
	require.Equal(t, "block-2", resp[1].Tag)
	require.Equal(t, `"0x2"`, string(resp[1].Result))
}

func TestCallHandlesPerElementError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":0,"error":{"code":-32000,"message":"header not found"}}]`))
	}))
	defer srv.Close()

	tr := New(srv.URL, srv.Client())
	resp, err := tr.Call(context.Background(), []Request{{Method: "eth_getBlockByNumber", Tag: 1}})
	require.NoError(t, err)
	require.Len(t, resp, 1)
	require.Nil(t, resp[0].Result)
	require.NotNil(t, resp[0].Err)
	require.Equal(t, -32000, resp[0].Err.Code)
}

func TestCallDecompressesGzipResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "application/json")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(`[{"id":0,"result":"0x1"}]`))
		gz.Close()
	}))
	defer srv.Close()

	tr := New(srv.URL, srv.Client())
	resp, err := tr.Call(context.Background(), []Request{{Method: "eth_chainId", Tag: "x"}})
	require.NoError(t, err)
	require.Len(t, resp, 1)
	require.Equal(t, `"0x1"`, string(resp[0].Result))
}

func TestCallFailsWholeBatchOnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := New(srv.URL, srv.Client())
	_, err := tr.Call(context.Background(), []Request{{Method: "eth_chainId"}})
	require.Error(t, err)
}

func TestCallHandlesDeArrayedSingleElementBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// Some upstream nodes de-array a one-element batch response
		// into a bare object instead of a single-element array.
		w.Write([]byte(`{"id":0,"result":"0x2a"}`))
	}))
	defer srv.Close()

	tr := New(srv.URL, srv.Client())
	resp, err := tr.Call(context.Background(), []Request{{Method: "eth_blockNumber", Tag: "only"}})
	require.NoError(t, err)
	require.Len(t, resp, 1)
	require.Equal(t, "only", resp[0].Tag)
	require.Equal(t, `"0x2a"`, string(resp[0].Result))
}

func TestCallEmptyBatchIsNoop(t *testing.T) {
	tr := New("http://unused.invalid", nil)
	resp, err := tr.Call(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, resp)
}
