package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/notify"
	"github.com/example/trip-dispatch/internal/oplock"
	"github.com/example/trip-dispatch/internal/selector"
	"github.com/example/trip-dispatch/internal/settlement"
	"github.com/example/trip-dispatch/internal/storage"
)

type Server struct {
	Dispatch *dispatch.Service
	Drivers  storage.DriverStore
	Geo      geo.Index
	Kafka    *ingest.KafkaProducer
	WSReg    *notify.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the dispatch engine from config. Redis and Postgres are
// optional: without them the in-memory implementations carry the same guard
// semantics, which keeps local runs and tests honest.
func NewServer(cfg config.ServerConfig) (*Server, error) {
	logger := logging.NewLogger(cfg.LogLevel)

	var store interface {
		storage.TripStore
		storage.DriverStore
	}
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var gindex geo.Index
	var locks oplock.Locker
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		gindex = geo.NewRedisIndexFromClient(rc, cfg.RedisGeoKey)
		locks = oplock.NewRedisLocker(rc, "dispatch:lock:")
	} else {
		gindex = geo.NewMemoryIndex()
		locks = oplock.NewMemoryLocker()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	wsreg := notify.NewWSRegistry()

	var push notify.PushChannel = notify.NopPush{}
	if cfg.PushEndpoint != "" {
		push = notify.NewFCMPush(cfg.PushEndpoint, cfg.PushKey)
	}

	var settle settlement.Settlement = settlement.Nop{}
	if cfg.StripeKey != "" {
		settle = settlement.NewStripeSettlement(cfg.StripeKey, "")
	}

	sel := &selector.Selector{
		Drivers: store,
		Geo:     gindex,
		Radii: selector.Radii{
			LocalM:     cfg.LocalRadiusM,
			ParcelM:    cfg.ParcelRadiusM,
			IntercityM: cfg.IntercityRadiusM,
		},
		Limit: cfg.CandidateLimit,
	}

	bc := dispatch.NewBroadcaster(wsreg, push, store, logger)

	svc := &dispatch.Service{
		Trips:             store,
		Drivers:           store,
		Selector:          sel,
		Broadcaster:       bc,
		Live:              wsreg,
		Settle:            settle,
		Locks:             locks,
		Logger:            logger,
		ArrivalProximityM: cfg.ArrivalProximityM,
		StandbySize:       cfg.StandbySize,
	}

	s := &Server{
		Dispatch: svc,
		Drivers:  store,
		Geo:      gindex,
		Kafka:    kp,
		WSReg:    wsreg,
		logger:   logging.Component(logger, "http"),
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/trips", s.handleCreateTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/active", s.handleActiveTrip).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}", s.handleGetTrip).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/enroute", s.handleEnRoute).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/arrived", s.handleArrived).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/start", s.handleStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/heartbeat", s.handleTripHeartbeat).Methods("POST")

	s.mux.HandleFunc("/api/v1/drivers/online", s.handleDriverOnline).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/offline", s.handleDriverOffline).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
