package rm

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/rkozak/travelres/internal/metrics"
	"github.com/rkozak/travelres/internal/wire"
)

// Server exposes a Manager over HTTP/JSON per the RM wire contract.
type Server struct {
	mgr    *Manager
	logger *zap.Logger
	mux    *http.ServeMux
}

// NewServer builds the RM's HTTP handler tree.
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
	s.mux.HandleFunc("GET /records/{key}", s.handleRead)
	s.mux.HandleFunc("POST /records/{key}", s.handleAdd)
	s.mux.HandleFunc("PATCH /records/{key}", s.handleUpdate)
	s.mux.HandleFunc("PUT /records/{key}", s.handleUpdate)
	s.mux.HandleFunc("DELETE /records/{key}", s.handleDelete)
	s.mux.HandleFunc("POST /txn/prepare", s.handlePrepare)
	s.mux.HandleFunc("POST /txn/commit", s.handleCommit)
	s.mux.HandleFunc("POST /txn/abort", s.handleAbort)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	wire.WriteJSON(w, http.StatusOK, wire.OKResponse{OK: true})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	xid := wire.XIDFrom(r)

	rec, err := s.mgr.Read(r.Context(), xid, key)
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, wire.RecordResponse{Fields: rec.Fields})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	xid := wire.XIDFrom(r)

	var req wire.AddRecordRequest
	if err := wire.DecodeJSON(r, &req); err != nil {
		wire.WriteError(w, wire.NewError(wire.ErrInternalInvariant, key))
		return
	}
	if xid == "" {
		xid = req.XID
	}

	if err := s.mgr.Add(r.Context(), xid, key, req.Value); err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusCreated, wire.OKResponse{OK: true})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	xid := wire.XIDFrom(r)

	var req wire.UpdateRecordRequest
	if err := wire.DecodeJSON(r, &req); err != nil {
		wire.WriteError(w, wire.NewError(wire.ErrInternalInvariant, key))
		return
	}
	if xid == "" {
		xid = req.XID
	}

	if err := s.mgr.Update(r.Context(), xid, key, req.Updates); err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, wire.OKResponse{OK: true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	xid := wire.XIDFrom(r)

	if err := s.mgr.Delete(r.Context(), xid, key); err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, wire.OKResponse{OK: true})
}

type xidOnlyRequest struct {
	XID string `json:"xid"`
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	xid := s.resolveXID(r)
	if err := s.mgr.Prepare(r.Context(), xid); err != nil {
		var ce *wire.CodedError
		result := wire.PrepareResult{OK: false}
		if errors.As(err, &ce) {
			result.Err = ce.Code
			result.Key = ce.Key
		} else {
			result.Err = wire.ErrInternalInvariant
		}
		wire.WriteJSON(w, http.StatusOK, result)
		return
	}
	wire.WriteJSON(w, http.StatusOK, wire.PrepareResult{OK: true})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	xid := s.resolveXID(r)
	if err := s.mgr.Commit(r.Context(), xid); err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, wire.OKResponse{OK: true})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	xid := s.resolveXID(r)
	if err := s.mgr.Abort(r.Context(), xid); err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, wire.OKResponse{OK: true})
}

func (s *Server) resolveXID(r *http.Request) string {
	if xid := wire.XIDFrom(r); xid != "" {
		return xid
	}
	var req xidOnlyRequest
	_ = wire.DecodeJSON(r, &req)
	return req.XID
}
