// Package rpcapi is the HTTP/JSON frontend (spec.md §6). Handlers never
// touch the State directly: every request crosses into the Store's world
// through the EventSource's bounded RPC channel and is answered by the
// responder running on the event loop. The route layout follows the
// controllers/routes split of the teacher's wallet server, rebuilt on
// go-chi.
package rpcapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"mina-core/internal/eventsource"
)

// Request kinds understood by the responder.
const (
	KindState                 = "state"
	KindStatus                = "status"
	KindPeers                 = "peers"
	KindMessageProgress       = "message_progress"
	KindHealthz               = "healthz"
	KindReadyz                = "readyz"
	KindStatsActions          = "stats_actions"
	KindStatsSync             = "stats_sync"
	KindStatsBlockProducer    = "stats_block_producer"
	KindScanStateSummary      = "scan_state_summary"
	KindSnarkPoolJobs         = "snark_pool_jobs"
	KindSnarkPoolJob          = "snark_pool_job"
	KindSnarkerJobCommit      = "snarker_job_commit"
	KindSnarkerJobSpec        = "snarker_job_spec"
	KindSnarkerWorkers        = "snarker_workers"
	KindSnarkerConfig         = "snarker_config"
	KindTransactionPool       = "transaction_pool"
	KindSendPayment           = "send_payment"
	KindBestChainUserCommands = "best_chain_user_commands"
	KindAccounts              = "accounts"
	KindRoutingTable          = "routing_table"
	KindBootstrapStats        = "bootstrap_stats"
)

// Error is the JSON error body every failed request returns.
type Error struct {
	Error string `json:"error"`
}

// Frontend serves the HTTP surface over the bounded RPC channel.
type Frontend struct {
	rpc     chan<- eventsource.RpcRequest
	nextID  atomic.Uint64
	timeout time.Duration
	log     *logrus.Entry
}

// New creates a frontend submitting into rpc.
func New(rpc chan<- eventsource.RpcRequest) *Frontend {
	return &Frontend{
		rpc:     rpc,
		timeout: 10 * time.Second,
		log:     logrus.WithField("component", "rpcapi"),
	}
}

// call round-trips one request through the event loop.
func (f *Frontend) call(kind string, payload any) (any, error) {
	reply := make(chan any, 1)
	f.rpc <- eventsource.RpcRequest{
		ID:      f.nextID.Add(1),
		Kind:    kind,
		Payload: payload,
		Reply:   reply,
	}
	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, fmt.Errorf("rpcapi: response channel dropped")
		}
		if err, isErr := resp.(error); isErr {
			return nil, err
		}
		return resp, nil
	case <-time.After(f.timeout):
		return nil, fmt.Errorf("rpcapi: request %s timed out", kind)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *Frontend) respond(w http.ResponseWriter, kind string, payload any) {
	resp, err := f.call(kind, payload)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, Error{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Router builds the full §6 route table.
func (f *Frontend) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/state", f.handleState)
	r.Post("/state", f.handleState)
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) { f.respond(w, KindStatus, nil) })
	r.Get("/state/peers", func(w http.ResponseWriter, _ *http.Request) { f.respond(w, KindPeers, nil) })
	r.Get("/state/message-progress", func(w http.ResponseWriter, _ *http.Request) { f.respond(w, KindMessageProgress, nil) })
	r.Get("/healthz", f.handleHealth(KindHealthz))
	r.Get("/readyz", f.handleHealth(KindReadyz))

	r.Get("/stats/actions", func(w http.ResponseWriter, req *http.Request) {
		f.respond(w, KindStatsActions, req.URL.Query().Get("id"))
	})
	r.Get("/stats/sync", func(w http.ResponseWriter, req *http.Request) {
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		f.respond(w, KindStatsSync, limit)
	})
	r.Get("/stats/block_producer", func(w http.ResponseWriter, _ *http.Request) {
		f.respond(w, KindStatsBlockProducer, nil)
	})

	r.Get("/scan-state/summary", func(w http.ResponseWriter, _ *http.Request) {
		f.respond(w, KindScanStateSummary, "")
	})
	r.Get("/scan-state/summary/{ref}", func(w http.ResponseWriter, req *http.Request) {
		f.respond(w, KindScanStateSummary, chi.URLParam(req, "ref"))
	})

	r.Get("/snark-pool/jobs", func(w http.ResponseWriter, _ *http.Request) { f.respond(w, KindSnarkPoolJobs, nil) })
	r.Get("/snark-pool/job/{id}", func(w http.ResponseWriter, req *http.Request) {
		f.respond(w, KindSnarkPoolJob, chi.URLParam(req, "id"))
	})

	r.Post("/snarker/job/commit", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			JobId string `json:"job_id"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.JobId == "" {
			writeJSON(w, http.StatusBadRequest, Error{Error: "body must be {\"job_id\": \"...\"}"})
			return
		}
		f.respond(w, KindSnarkerJobCommit, body.JobId)
	})
	r.Get("/snarker/job/spec", f.handleJobSpec)
	r.Get("/snarker/workers", func(w http.ResponseWriter, _ *http.Request) { f.respond(w, KindSnarkerWorkers, nil) })
	r.Get("/snarker/config", func(w http.ResponseWriter, _ *http.Request) { f.respond(w, KindSnarkerConfig, nil) })

	r.Get("/transaction-pool", func(w http.ResponseWriter, _ *http.Request) { f.respond(w, KindTransactionPool, nil) })
	r.Post("/send-payment", f.handleSendPayment)
	r.Get("/best-chain-user-commands", func(w http.ResponseWriter, _ *http.Request) {
		f.respond(w, KindBestChainUserCommands, nil)
	})
	r.Get("/accounts", func(w http.ResponseWriter, _ *http.Request) { f.respond(w, KindAccounts, nil) })

	r.Get("/discovery/routing_table", func(w http.ResponseWriter, _ *http.Request) { f.respond(w, KindRoutingTable, nil) })
	r.Get("/discovery/bootstrap_stats", func(w http.ResponseWriter, _ *http.Request) { f.respond(w, KindBootstrapStats, nil) })

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/state/subscribe", f.handleStateSubscribe)
	return r
}

func (f *Frontend) handleState(w http.ResponseWriter, req *http.Request) {
	filter := req.URL.Query().Get("filter")
	if req.Method == http.MethodPost {
		var body struct {
			Filter string `json:"filter"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err == nil && body.Filter != "" {
			filter = body.Filter
		}
	}
	f.respond(w, KindState, filter)
}

func (f *Frontend) handleHealth(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp, err := f.call(kind, nil)
		healthy, _ := resp.(bool)
		if err != nil || !healthy {
			writeJSON(w, http.StatusServiceUnavailable, Error{Error: "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleJobSpec negotiates JSON vs binary per the Accept header.
func (f *Frontend) handleJobSpec(w http.ResponseWriter, req *http.Request) {
	id := req.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, Error{Error: "missing id"})
		return
	}
	resp, err := f.call(KindSnarkerJobSpec, id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, Error{Error: err.Error()})
		return
	}
	if req.Header.Get("Accept") == "application/octet-stream" {
		raw, err := json.Marshal(resp)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, Error{Error: err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(raw)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SendPaymentRequest is the POST /send-payment body.
type SendPaymentRequest struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Amount     uint64 `json:"amount"`
	Fee        uint64 `json:"fee"`
	Nonce      uint64 `json:"nonce"`
	ValidUntil uint64 `json:"valid_until"`
	Memo       string `json:"memo"`
}

func (f *Frontend) handleSendPayment(w http.ResponseWriter, req *http.Request) {
	var body SendPaymentRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, Error{Error: fmt.Sprintf("decode payment: %v", err)})
		return
	}
	if body.From == "" || body.To == "" {
		writeJSON(w, http.StatusBadRequest, Error{Error: "from and to are required"})
		return
	}
	f.respond(w, KindSendPayment, body)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 12,
	WriteBufferSize: 1 << 14,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleStateSubscribe streams filtered state snapshots over a websocket,
// one per second, until the client goes away.
func (f *Frontend) handleStateSubscribe(w http.ResponseWriter, req *http.Request) {
	filter := req.URL.Query().Get("filter")
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		snapshot, err := f.call(KindState, filter)
		if err != nil {
			f.log.WithError(err).Debug("state subscription ending")
			return
		}
		if err := conn.WriteJSON(snapshot); err != nil {
			return
		}
	}
}

// Serve runs the frontend on addr until the server fails.
func (f *Frontend) Serve(addr string) error {
	f.log.WithField("addr", addr).Info("http frontend listening")
	return http.ListenAndServe(addr, f.Router())
}
