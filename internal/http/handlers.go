package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDispatchErr maps engine errors onto the wire. Contention errors are
// 409s with a machine-readable tag so clients branch on the body, not the
// status line.
func writeDispatchErr(w http.ResponseWriter, err error) {
	var vErr *dispatch.ValidationError
	var farErr *dispatch.TooFarError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation", "detail": vErr.Error()})
	case errors.As(err, &farErr):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "too_far", "distance_m": farErr.DistanceM, "limit_m": farErr.LimitM})
	case errors.Is(err, dispatch.ErrTripTaken):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "trip_taken"})
	case errors.Is(err, dispatch.ErrDriverBusy):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "driver_busy"})
	case errors.Is(err, dispatch.ErrInvalidCode):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "invalid_code"})
	case errors.Is(err, dispatch.ErrUnauthorized):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
	case errors.Is(err, dispatch.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "conflict"})
	case errors.Is(err, dispatch.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
	}
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req dispatch.CreateTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_json"})
		return
	}
	trip, candidates, err := s.Dispatch.CreateTrip(r.Context(), req)
	if err != nil {
		writeDispatchErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"trip_id": trip.ID, "candidates": candidates})
}

type driverActionRequest struct {
	DriverID string       `json:"driver_id"`
	Code     string       `json:"code,omitempty"`
	Loc      models.Coord `json:"loc"`
	Seq      int64        `json:"seq,omitempty"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "driver_id required"})
		return
	}
	trip, err := s.Dispatch.Accept(r.Context(), tripID, req.DriverID)
	if err != nil {
		writeDispatchErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": "success", "trip": trip})
}

func (s *Server) handleEnRoute(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, func(tripID string, req driverActionRequest) error {
		return s.Dispatch.MarkEnRoute(r.Context(), tripID, req.DriverID)
	})
}

func (s *Server) handleArrived(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, func(tripID string, req driverActionRequest) error {
		return s.Dispatch.MarkArrived(r.Context(), tripID, req.DriverID)
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, func(tripID string, req driverActionRequest) error {
		return s.Dispatch.StartTrip(r.Context(), tripID, req.DriverID, req.Code, req.Loc)
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, func(tripID string, req driverActionRequest) error {
		return s.Dispatch.CompleteTrip(r.Context(), tripID, req.DriverID, req.Loc)
	})
}

func (s *Server) handleTripHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, func(tripID string, req driverActionRequest) error {
		var loc *models.Coord
		if req.Loc.Lat != 0 || req.Loc.Lon != 0 {
			loc = &req.Loc
		}
		return s.Dispatch.Heartbeat(r.Context(), tripID, req.DriverID, loc, req.Seq)
	})
}

func (s *Server) driverTransition(w http.ResponseWriter, r *http.Request, fn func(string, driverActionRequest) error) {
	tripID := mux.Vars(r)["trip_id"]
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "driver_id required"})
		return
	}
	if err := fn(tripID, req); err != nil {
		writeDispatchErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	var req struct {
		CallerID string `json:"caller_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CallerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "caller_id required"})
		return
	}
	if err := s.Dispatch.Cancel(r.Context(), tripID, req.CallerID); err != nil {
		writeDispatchErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.Dispatch.Trips.GetTrip(r.Context(), mux.Vars(r)["trip_id"])
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleActiveTrip(w http.ResponseWriter, r *http.Request) {
	var (
		t   *models.Trip
		err error
	)
	if id := r.URL.Query().Get("driver_id"); id != "" {
		t, err = s.Dispatch.ActiveTripForDriver(r.Context(), id)
	} else if id := r.URL.Query().Get("rider_id"); id != "" {
		t, err = s.Dispatch.ActiveTripForRider(r.Context(), id)
	} else {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "driver_id or rider_id required"})
		return
	}
	if errors.Is(err, dispatch.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"trip": nil})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trip": t})
}

type driverOnlineRequest struct {
	DriverID     string              `json:"driver_id"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
	Loc          models.Coord        `json:"loc"`
	PushToken    string              `json:"push_token,omitempty"`
}

func (s *Server) handleDriverOnline(w http.ResponseWriter, r *http.Request) {
	var req driverOnlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "driver_id required"})
		return
	}
	if !req.VehicleClass.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown vehicle class"})
		return
	}
	d, err := s.Drivers.GetDriver(r.Context(), req.DriverID)
	if errors.Is(err, storage.ErrNotFound) {
		d = &models.Driver{ID: req.DriverID, AcceptingWork: true}
	} else if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	d.VehicleClass = req.VehicleClass
	d.Online = true
	d.AcceptingWork = true
	d.Loc = req.Loc
	if req.PushToken != "" {
		d.PushToken = req.PushToken
	}
	d.LastSeen = time.Now()
	if err := s.Drivers.UpsertDriver(r.Context(), d); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	s.Geo.Upsert(d.ID, d.Loc)
	observability.DriversOnline.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "driver_id required"})
		return
	}
	if err := s.Drivers.SetOnline(r.Context(), req.DriverID, false); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	s.Geo.Remove(req.DriverID)
	observability.DriversOnline.Dec()
	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil || u.DriverID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "driver_id required"})
		return
	}
	// publish to kafka when configured; the consumer owns the geo index then
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(u); err != nil {
			s.logger.Warn("location publish failed", "driver_id", u.DriverID, "error", err)
		}
	} else {
		s.Geo.Upsert(u.DriverID, u.Loc)
	}
	applied, err := s.Drivers.UpdateLocation(r.Context(), u.DriverID, u.Loc, u.Seq, time.Now())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	if !applied {
		// stale sequence; dropped, but counted so drift is visible
		observability.StaleLocationReports.Inc()
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the handshake error response
		s.logger.Warn("ws upgrade failed", "user_id", id, "error", err)
		return
	}
	s.WSReg.Register(id, conn)
	// reader goroutine detects disconnect and unregisters
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.WSReg.Unregister(id, conn)
				_ = conn.Close()
				return
			}
		}
	}()
}
