package wc

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/rkozak/travelres/internal/metrics"
	"github.com/rkozak/travelres/internal/record"
	"github.com/rkozak/travelres/internal/wire"
)

// Server exposes a Controller over HTTP/JSON.
type Server struct {
	ctl    *Controller
	logger *zap.Logger
	mux    *http.ServeMux
}

func NewServer(ctl *Controller, logger *zap.Logger) *Server {
	s := &Server{ctl: ctl, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("POST /inventory/flights", s.handleAddFlight)
	s.mux.HandleFunc("POST /inventory/cars", s.handleAddCars)
	s.mux.HandleFunc("POST /inventory/rooms", s.handleAddRooms)
	s.mux.HandleFunc("POST /customers", s.handleAddCustomer)
	s.mux.HandleFunc("DELETE /inventory/flights/{key}", s.handleDeleteFlight)
	s.mux.HandleFunc("DELETE /customers/{name}", s.handleDeleteCustomer)
	s.mux.HandleFunc("GET /inventory/flights/{key}", s.handleQueryFlight)
	s.mux.HandleFunc("GET /inventory/cars/{key}", s.handleQueryCar)
	s.mux.HandleFunc("GET /inventory/rooms/{key}", s.handleQueryRoom)
	s.mux.HandleFunc("GET /customers/{name}", s.handleQueryCustomer)
	s.mux.HandleFunc("POST /reservations/flight", s.handleReserveFlight)
	s.mux.HandleFunc("POST /reservations/car", s.handleReserveCar)
	s.mux.HandleFunc("POST /reservations/room", s.handleReserveRoom)
	s.mux.HandleFunc("POST /reservations/itinerary", s.handleReserveItinerary)
	s.mux.HandleFunc("POST /admin/die", s.handleDie)
	s.mux.HandleFunc("POST /admin/reconnect", s.handleReconnect)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	wire.WriteJSON(w, http.StatusOK, wire.OKResponse{OK: true})
}

func (s *Server) writeOutcome(w http.ResponseWriter, outcome Outcome, err error) {
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			wire.WriteJSON(w, http.StatusServiceUnavailable, wire.WCResponse{OK: false, Message: err.Error()})
			return
		}
		if outcome.Status == wire.TxInDoubt {
			wire.WriteJSON(w, http.StatusGatewayTimeout, wire.WCResponse{
				OK:      false,
				Message: "commit is IN_DOUBT; poll transaction status until a terminal state is observed",
			})
			return
		}
		code := wire.CodeOf(err)
		wire.WriteJSON(w, wire.HTTPStatus(code), wire.WCResponse{
			OK:                 false,
			TransactionAborted: outcome.TransactionAborted,
			Message:            err.Error(),
		})
		return
	}

	if outcome.Status == wire.TxInDoubt {
		wire.WriteJSON(w, http.StatusGatewayTimeout, wire.WCResponse{
			OK:      false,
			Message: "commit is IN_DOUBT; poll transaction status until a terminal state is observed",
		})
		return
	}
	wire.WriteJSON(w, http.StatusOK, wire.WCResponse{OK: true})
}

type inventoryRequest struct {
	Key      string `json:"key"`
	Price    int64  `json:"price"`
	NumSeats int64  `json:"numSeats"`
	NumAvail int64  `json:"numAvail"`
}

func (s *Server) handleAddFlight(w http.ResponseWriter, r *http.Request) {
	var req inventoryRequest
	if err := wire.DecodeJSON(r, &req); err != nil {
		wire.WriteError(w, wire.NewError(wire.ErrInternalInvariant, ""))
		return
	}
	outcome, err := s.ctl.AddFlight(r.Context(), req.Key, req.Price, req.NumSeats, req.NumAvail)
	s.writeOutcome(w, outcome, err)
}

func (s *Server) handleAddCars(w http.ResponseWriter, r *http.Request) {
	var req inventoryRequest
	if err := wire.DecodeJSON(r, &req); err != nil {
		wire.WriteError(w, wire.NewError(wire.ErrInternalInvariant, ""))
		return
	}
	outcome, err := s.ctl.AddCars(r.Context(), req.Key, req.Price, req.NumSeats, req.NumAvail)
	s.writeOutcome(w, outcome, err)
}

func (s *Server) handleAddRooms(w http.ResponseWriter, r *http.Request) {
	var req inventoryRequest
	if err := wire.DecodeJSON(r, &req); err != nil {
		wire.WriteError(w, wire.NewError(wire.ErrInternalInvariant, ""))
		return
	}
	outcome, err := s.ctl.AddRooms(r.Context(), req.Key, req.Price, req.NumSeats, req.NumAvail)
	s.writeOutcome(w, outcome, err)
}

type customerRequest struct {
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

func (s *Server) handleAddCustomer(w http.ResponseWriter, r *http.Request) {
	var req customerRequest
	if err := wire.DecodeJSON(r, &req); err != nil {
		wire.WriteError(w, wire.NewError(wire.ErrInternalInvariant, ""))
		return
	}
	outcome, err := s.ctl.AddCustomer(r.Context(), req.Name, req.Balance)
	s.writeOutcome(w, outcome, err)
}

func (s *Server) handleDeleteFlight(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	outcome, err := s.ctl.DeleteFlight(r.Context(), key)
	s.writeOutcome(w, outcome, err)
}

func (s *Server) handleDeleteCustomer(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	outcome, err := s.ctl.DeleteCustomer(r.Context(), name)
	s.writeOutcome(w, outcome, err)
}

func (s *Server) handleQueryFlight(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	fields, err := s.ctl.QueryFlight(r.Context(), key)
	s.writeQuery(w, fields, err)
}

func (s *Server) handleQueryCar(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	fields, err := s.ctl.QueryCar(r.Context(), key)
	s.writeQuery(w, fields, err)
}

func (s *Server) handleQueryRoom(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	fields, err := s.ctl.QueryRoom(r.Context(), key)
	s.writeQuery(w, fields, err)
}

func (s *Server) handleQueryCustomer(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	fields, err := s.ctl.QueryCustomer(r.Context(), name)
	s.writeQuery(w, fields, err)
}

func (s *Server) writeQuery(w http.ResponseWriter, fields record.Fields, err error) {
	if errors.Is(err, ErrUnavailable) {
		wire.WriteJSON(w, http.StatusServiceUnavailable, wire.WCResponse{OK: false, Message: err.Error()})
		return
	}
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, wire.RecordResponse{Fields: fields})
}

func (s *Server) handleReserveFlight(w http.ResponseWriter, r *http.Request) {
	var req wire.ReserveRequest
	if err := wire.DecodeJSON(r, &req); err != nil {
		wire.WriteError(w, wire.NewError(wire.ErrInternalInvariant, ""))
		return
	}
	outcome, err := s.ctl.ReserveFlight(r.Context(), req.CustName, req.ResvKey, req.Quantity)
	s.writeOutcome(w, outcome, err)
}

func (s *Server) handleReserveCar(w http.ResponseWriter, r *http.Request) {
	var req wire.ReserveRequest
	if err := wire.DecodeJSON(r, &req); err != nil {
		wire.WriteError(w, wire.NewError(wire.ErrInternalInvariant, ""))
		return
	}
	outcome, err := s.ctl.ReserveCar(r.Context(), req.CustName, req.ResvKey, req.Quantity)
	s.writeOutcome(w, outcome, err)
}

func (s *Server) handleReserveRoom(w http.ResponseWriter, r *http.Request) {
	var req wire.ReserveRequest
	if err := wire.DecodeJSON(r, &req); err != nil {
		wire.WriteError(w, wire.NewError(wire.ErrInternalInvariant, ""))
		return
	}
	outcome, err := s.ctl.ReserveRoom(r.Context(), req.CustName, req.ResvKey, req.Quantity)
	s.writeOutcome(w, outcome, err)
}

type itineraryLeg struct {
	Table    string `json:"table"`
	ResvType string `json:"resvType"`
	ResvKey  string `json:"resvKey"`
	Quantity int64  `json:"quantity"`
}

type itineraryRequest struct {
	CustName string         `json:"custName"`
	Legs     []itineraryLeg `json:"legs"`
}

func (s *Server) handleReserveItinerary(w http.ResponseWriter, r *http.Request) {
	var req itineraryRequest
	if err := wire.DecodeJSON(r, &req); err != nil {
		wire.WriteError(w, wire.NewError(wire.ErrInternalInvariant, ""))
		return
	}
	legs := make([]ReservedLeg, 0, len(req.Legs))
	for _, l := range req.Legs {
		legs = append(legs, ReservedLeg{Table: l.Table, ResvType: l.ResvType, ResvKey: l.ResvKey, Quantity: l.Quantity})
	}
	outcome, err := s.ctl.ReserveItinerary(r.Context(), req.CustName, legs)
	s.writeOutcome(w, outcome, err)
}

func (s *Server) handleDie(w http.ResponseWriter, r *http.Request) {
	s.ctl.Die()
	wire.WriteJSON(w, http.StatusOK, wire.OKResponse{OK: true})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.ctl.Reconnect()
	wire.WriteJSON(w, http.StatusOK, wire.OKResponse{OK: true})
}
