// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/budsync/budsync/internal/config"
)

// Router builds the HTTP handler tree for the Budsync API.
type Router struct {
	handler    *Handler
	middleware *Middleware
}

// NewRouter creates a router over the given handler and server config.
func NewRouter(handler *Handler, cfg config.ServerConfig) *Router {
	return &Router{
		handler:    handler,
		middleware: NewMiddleware(cfg),
	}
}

// Setup configures all HTTP routes using Chi.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to all routes in order.
	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.middleware.CORS())
	r.Use(RequestLogger())

	// Operational endpoints stay outside the rate limit so monitoring
	// cannot starve itself.
	r.Get("/healthz", router.handler.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.middleware.RateLimit())
		r.Use(PrometheusMetrics())

		r.Get("/history", router.handler.History)
		r.Get("/history/cached", router.handler.HistoryCached)
		r.Get("/playlists", router.handler.Playlists)
		r.Get("/playlists/{id}/tracks", router.handler.PlaylistTracks)
		r.Get("/friends", router.handler.Friends)
		r.Get("/status", router.handler.Status)
		r.Post("/sync", router.handler.TriggerSync)

		r.Route("/auth", func(r chi.Router) {
			r.Put("/token", router.handler.SetToken)
			r.Delete("/token", router.handler.ClearToken)
		})
	})

	return r
}
