package api

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"

	"depotplan/internal/auth"
	"depotplan/internal/config"
	"depotplan/internal/store"
	"depotplan/internal/webhooks"
)

type Server struct {
	Store     store.Store
	Pub       *webhooks.Publisher
	Auth      *auth.Verifier
	Broker    EventBroker
	Cfg       config.Config
	Readiness *ReadinessCache

	limits *limiterPool
}

// NewServer creates a Server. If DATABASE_URL is unset, uses in-memory store.
func NewServer() (*Server, error) {
	dsn := os.Getenv("DATABASE_URL")
	var s store.Store
	if strings.TrimSpace(dsn) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		// Run migrations (dev helper)
		if os.Getenv("DB_MIGRATE") != "false" {
			_ = sp.MigrateDir("db/migrations")
		}
		s = sp
	}
	// Broker selection
	var broker EventBroker
	if os.Getenv("REDIS_URL") != "" {
		if rb, err := NewRedisBroker(); err == nil {
			broker = rb
		} else {
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}
	cfg, err := config.Load()
	if err != nil {
		log.Printf("config load: %v (using defaults)", err)
	}
	return &Server{
		Store:     s,
		Pub:       webhooks.NewPublisher(s),
		Auth:      auth.NewVerifierFromEnv(),
		Broker:    broker,
		Cfg:       cfg,
		Readiness: NewReadinessCache(),
		limits:    newLimiterPool(),
	}, nil
}

func (s *Server) withDepot(r *http.Request) (context.Context, string) {
	depot := r.Header.Get("X-Depot-Id")
	if depot == "" {
		depot = "d_central"
	}
	ctx := context.WithValue(r.Context(), ctxKeyDepot{}, depot)
	return ctx, depot
}

type ctxKeyDepot struct{}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store)
}
