package httpserver

import (
	"context"
	"log"
	"net/http"

	"github.com/rs/cors"

	"github.com/iago/dataflow-batch/internal/http/handlers"
	"github.com/iago/dataflow-batch/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Metrics        http.Handler
	Logger         *log.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter builds the API handler. ctx bounds background work owned by the
// middleware chain.
func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics)
	}
	mux.HandleFunc("/v1/runs", deps.API.Runs)
	mux.HandleFunc("/v1/processings", deps.API.Processings)
	mux.HandleFunc("/v1/processings/", deps.API.ProcessingByID)

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = middleware.RateLimit(ctx, deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = cors.New(cors.Options{
		AllowedOrigins: deps.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id", "Location", "Retry-After"},
		MaxAge:         600,
	}).Handler(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
