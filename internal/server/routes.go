// Package server wires HTTP handlers into a gorilla/mux router for the
// launchchat application.
package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Tyrowin/launchchat/internal/auth"
)

// Handler returns the router with every application route.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.WebSocketHandler)
	r.HandleFunc("/test", TestPageHandler).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	mw := auth.NewMiddleware(s.verifier, s.log)

	api := r.PathPrefix("/api/chat").Subrouter()
	api.Use(mw.RequireIdentity)
	api.HandleFunc("/send", s.SendMessageHandler).Methods(http.MethodPost)
	api.HandleFunc("/messages", s.MessagesHandler).Methods(http.MethodGet)
	api.HandleFunc("/online-users", s.OnlineUsersHandler).Methods(http.MethodGet)

	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.Use(mw.RequireIdentity, mw.RequireAdmin)
	admin.HandleFunc("/stats", s.StatsHandler).Methods(http.MethodGet)

	return r
}
