package rpcapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mina-core/internal/action"
	"mina-core/internal/eventsource"
	"mina-core/internal/ledger"
	"mina-core/internal/p2p/kademlia"
	"mina-core/internal/snarkpool"
	"mina-core/internal/state"
	"mina-core/internal/store"
	"mina-core/internal/txpool"
)

// newTestFrontend wires a real responder behind the bounded channel with a
// single drain goroutine standing in for the event loop.
func newTestFrontend(t *testing.T) (*Frontend, *store.Store) {
	t.Helper()
	st := state.New(state.Config{K: 2, Pool: txpool.Config{MaxSize: 100, ReplaceFeeFactor: 1.2}})
	s := store.New(st, nil)
	s.Register(action.KindTransactionPool, func(sub state.Substate, a action.Action, m action.Meta, d action.Dispatcher) {
		txpool.Reduce(sub.State(), a, m, d)
	})

	mgr := ledger.NewManager(16)
	t.Cleanup(mgr.Close)
	db := ledger.NewDatabase(8)

	handler := NewResponder(Deps{
		Store:            s,
		Ledger:           mgr,
		RootMask:         func() ledger.BaseLedger { return db },
		Kademlia:         kademlia.New("self-peer"),
		SnarkerPublicKey: "pk-snarker",
		SnarkerFee:       7,
		ChainID:          "mina:test",
	})

	rpc := make(chan eventsource.RpcRequest, 16)
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case req := <-rpc:
				handler(req, s)
			case <-done:
				return
			}
		}
	}()
	return New(rpc), s
}

func getJSON(t *testing.T, srv *httptest.Server, path string, out any) int {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestStatusEndpoint(t *testing.T) {
	f, _ := newTestFrontend(t)
	srv := httptest.NewServer(f.Router())
	defer srv.Close()

	var got map[string]any
	code := getJSON(t, srv, "/status", &got)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "mina:test", got["chain_id"])
	require.Equal(t, "init", got["phase"])
}

func TestStateFilter(t *testing.T) {
	f, _ := newTestFrontend(t)
	srv := httptest.NewServer(f.Router())
	defer srv.Close()

	var phase string
	code := getJSON(t, srv, "/state?filter=transition_frontier.phase", &phase)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "init", phase)

	var errBody Error
	code = getJSON(t, srv, "/state?filter=no.such.path", &errBody)
	require.Equal(t, http.StatusInternalServerError, code)
	require.NotEmpty(t, errBody.Error)
}

func TestHealthzAndReadyz(t *testing.T) {
	f, _ := newTestFrontend(t)
	srv := httptest.NewServer(f.Router())
	defer srv.Close()

	var ok map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/healthz", &ok))

	// Not synced yet: readiness must report 503.
	var errBody Error
	require.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv, "/readyz", &errBody))
}

func TestSnarkPoolJobEndpoints(t *testing.T) {
	f, s := newTestFrontend(t)
	srv := httptest.NewServer(f.Router())
	defer srv.Close()

	s.State().SnarkPoolS.AddJob("job-1", time.Unix(1000, 0))

	var jobs []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/snark-pool/jobs", &jobs))
	require.Len(t, jobs, 1)

	var errBody Error
	require.Equal(t, http.StatusInternalServerError, getJSON(t, srv, "/snark-pool/job/ghost", &errBody))

	body, _ := json.Marshal(map[string]string{"job_id": "job-1"})
	resp, err := srv.Client().Post(srv.URL+"/snarker/job/commit", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	j, okJob := s.State().SnarkPoolS.Job(snarkpool.JobId("job-1"))
	require.True(t, okJob)
	require.NotNil(t, j.Commitment)
	require.Equal(t, "pk-snarker", j.Commitment.Snarker)
}

func TestSendPaymentRejectedWithoutAccount(t *testing.T) {
	f, _ := newTestFrontend(t)
	srv := httptest.NewServer(f.Router())
	defer srv.Close()

	body, _ := json.Marshal(SendPaymentRequest{From: "pk-alice", To: "pk-bob", Amount: 5, Fee: 1})
	resp, err := srv.Client().Post(srv.URL+"/send-payment", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var errBody Error
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	require.Contains(t, errBody.Error, "fee_payer_account_not_found")
}

func TestDiscoveryEndpoints(t *testing.T) {
	f, _ := newTestFrontend(t)
	srv := httptest.NewServer(f.Router())
	defer srv.Close()

	var table map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/discovery/routing_table", &table))
	require.Equal(t, "self-peer", table["self"])

	var stats map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/discovery/bootstrap_stats", &stats))
}
