package tm

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/rkozak/travelres/internal/metrics"
	"github.com/rkozak/travelres/internal/wire"
)

// Server exposes a Manager over HTTP/JSON per the TM wire contract.
type Server struct {
	mgr    *Manager
	logger *zap.Logger
	mux    *http.ServeMux
}

func NewServer(mgr *Manager, logger *zap.Logger) *Server {
	s := &Server{mgr: mgr, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("POST /txn/start", s.handleStart)
	s.mux.HandleFunc("POST /txn/enlist", s.handleEnlist)
	s.mux.HandleFunc("POST /txn/commit", s.handleCommit)
	s.mux.HandleFunc("POST /txn/abort", s.handleAbort)
	s.mux.HandleFunc("GET /txn/{xid}", s.handleStatus)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	wire.WriteJSON(w, http.StatusOK, wire.OKResponse{OK: true})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	xid := s.mgr.Start()
	wire.WriteJSON(w, http.StatusCreated, wire.StartTxnResponse{XID: xid, Status: wire.TxActive})
}

func (s *Server) handleEnlist(w http.ResponseWriter, r *http.Request) {
	xid := strings.TrimSpace(wire.XIDFrom(r))

	var req wire.EnlistRequest
	if err := wire.DecodeJSON(r, &req); err != nil {
		wire.WriteError(w, wire.NewError(wire.ErrInternalInvariant, xid))
		return
	}
	if xid == "" {
		wire.WriteError(w, wire.NewError(wire.ErrKeyNotFound, ""))
		return
	}

	if err := s.mgr.Enlist(xid, req.Endpoint); err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, wire.OKResponse{OK: true})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	xid := strings.TrimSpace(wire.XIDFrom(r))
	if xid == "" {
		var req wire.CommitRequest
		_ = wire.DecodeJSON(r, &req)
		xid = req.XID
	}

	state, err := s.mgr.Commit(r.Context(), xid)
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, wire.TxnStatusResponse{XID: xid, Status: state})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	xid := strings.TrimSpace(wire.XIDFrom(r))
	if xid == "" {
		var req wire.CommitRequest
		_ = wire.DecodeJSON(r, &req)
		xid = req.XID
	}

	state := s.mgr.Abort(xid)
	wire.WriteJSON(w, http.StatusOK, wire.TxnStatusResponse{XID: xid, Status: state})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	xid := strings.TrimSpace(r.PathValue("xid"))
	state, ok := s.mgr.Status(xid)
	if !ok {
		wire.WriteError(w, wire.NewError(wire.ErrKeyNotFound, xid))
		return
	}
	wire.WriteJSON(w, http.StatusOK, wire.TxnStatusResponse{XID: xid, Status: state})
}
