package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/example/campus-escort/internal/dispatch"
	"github.com/example/campus-escort/internal/matcher"
	"github.com/example/campus-escort/internal/models"
)

type Options struct {
	CORSOrigins    []string
	WSWriteTimeout time.Duration
	WSPingInterval time.Duration
}

type Server struct {
	svc      *matcher.Service
	hub      *dispatch.Hub
	logger   *slog.Logger
	mux      *mux.Router
	handler  http.Handler
	upgrader websocket.Upgrader
	validate *validator.Validate
	trans    ut.Translator
	opts     Options
}

func NewServer(svc *matcher.Service, hub *dispatch.Hub, logger *slog.Logger, opts Options) *Server {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	s := &Server{svc: svc, hub: hub, logger: logger, mux: mux.NewRouter(), opts: opts}
	s.validate, s.trans = newValidator()
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}
	s.registerMiddleware()
	s.routes()
	s.handler = cors.New(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/request_ride", s.handleRequestRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/client_status/{ride_id}", s.handleClientStatus).Methods(http.MethodGet)
	s.mux.HandleFunc("/driver_view/{driver_id}", s.handleDriverView).Methods(http.MethodGet)
	s.mux.HandleFunc("/accept_ride/{driver_id}/{ride_id}", s.handleAcceptRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/complete_ride/{ride_id}", s.handleCompleteRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/update_driver_location", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/assign_next", s.handleAssignNext).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws/ride/{ride_id}", s.handleRideSocket).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statusBody{Status: "ok"})
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

type statusBody struct {
	Status string `json:"status"`
}

type rideRequest struct {
	Name               string `json:"name" validate:"required,max=200"`
	UWID               string `json:"uw_id" validate:"required,max=64"`
	PickupAddress      string `json:"pickup_address" validate:"required,max=300"`
	DestinationAddress string `json:"destination_address" validate:"required,max=300"`
	Notes              string `json:"notes" validate:"max=1000"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var req rideRequest
	if !s.decode(w, r, &req) {
		return
	}
	ride, err := s.svc.CreateRide(r.Context(), matcher.CreateRideCmd{
		Name:               req.Name,
		RequesterID:        req.UWID,
		PickupAddress:      req.PickupAddress,
		DestinationAddress: req.DestinationAddress,
		Notes:              req.Notes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleClientStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Status(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDriverView(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.DriverView(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.svc.Accept(r.Context(), vars["driver_id"], vars["ride_id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "ride accepted"})
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Complete(r.Context(), mux.Vars(r)["ride_id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "ride completed"})
}

type locationRequest struct {
	DriverID      string   `json:"driver_id" validate:"required,max=128"`
	Lat           *float64 `json:"lat" validate:"required,latitude"`
	Lon           *float64 `json:"lon" validate:"required,longitude"`
	CurrentRideID string   `json:"current_ride_id" validate:"omitempty,max=128"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !s.decode(w, r, &req) {
		return
	}
	_, err := s.svc.UpdateLocation(r.Context(), matcher.LocationUpdate{
		DriverID:      req.DriverID,
		Lat:           *req.Lat,
		Lon:           *req.Lon,
		CurrentRideID: req.CurrentRideID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "location updated"})
}

func (s *Server) handleAssignNext(w http.ResponseWriter, r *http.Request) {
	matches, err := s.svc.AssignNext(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if matches == nil {
		matches = []models.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "store not ready"})
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "ready"})
}

// handleRideSocket subscribes the connection to pushes for one ride. The
// client gets the current status right away.
func (s *Server) handleRideSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rideID := mux.Vars(r)["ride_id"]
	if _, err := s.svc.Store.GetRide(ctx, rideID); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		s.logger.Debug("websocket upgrade failed", "ride_id", rideID, "error", err)
		return
	}
	sess := dispatch.NewWSSession(conn, s.opts.WSWriteTimeout)
	s.hub.Subscribe(rideID, sess)
	defer s.hub.Unsubscribe(rideID, sess)

	var snapshot any
	if view, err := s.svc.Status(ctx, rideID); err != nil {
		_, msg := errorStatus(err)
		snapshot = errorBody{Error: msg}
	} else {
		snapshot = view
	}
	if err := sess.Send(ctx, snapshot); err != nil {
		_ = sess.Close()
		return
	}
	if err := sess.Serve(ctx, s.opts.WSPingInterval); err != nil {
		s.logger.Debug("websocket closed", "ride_id", rideID, "error", err)
	}
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.opts.CORSOrigins, "*") {
		return true
	}
	return slices.Contains(s.opts.CORSOrigins, origin)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
