package rest

import (
	"net/http"

	"github.com/gorilla/mux"

	"studysync/internal/metrics"
	"studysync/internal/repository"
	"studysync/internal/service"
	"studysync/internal/transport/rest/handler"
	"studysync/internal/transport/rest/middleware"
	"studysync/internal/transport/ws"
)

// Container holds all dependencies for the router
type Container struct {
	AuthService    *service.AuthService
	RoomService    *service.RoomService
	SessionService *service.SessionService
	History        repository.SessionHistoryRepo
	WSHandler      *ws.Handler

	// DevAuth routes POST /v1/auth/token
	DevAuth        bool
	AllowedOrigins string
}

// NewRouter creates the API router with all endpoints
func NewRouter(c *Container) http.Handler {
	r := mux.NewRouter()

	roomHandler := handler.NewRoomHandler(c.RoomService)
	sessionHandler := handler.NewSessionHandler(c.SessionService, c.History)
	authMW := middleware.NewAuthMiddleware(c.AuthService)

	// CORS middleware (apply first)
	r.Use(corsMiddleware(c.AllowedOrigins))
	r.Use(metrics.Middleware)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()

	// token in query param
	v1.HandleFunc("/ws", c.WSHandler.ServeWS).Methods("GET")

	if c.DevAuth {
		authHandler := handler.NewAuthHandler(c.AuthService)
		v1.HandleFunc("/auth/token", authHandler.IssueToken).Methods("POST", "OPTIONS")
	}

	userRoutes := v1.NewRoute().Subrouter()
	userRoutes.Use(authMW.RequireUser)

	userRoutes.HandleFunc("/rooms", roomHandler.Create).Methods("POST", "OPTIONS")
	userRoutes.HandleFunc("/rooms/{roomId}", roomHandler.Get).Methods("GET", "OPTIONS")
	userRoutes.HandleFunc("/rooms/{roomId}", roomHandler.Delete).Methods("DELETE", "OPTIONS")
	userRoutes.HandleFunc("/sessions/active", sessionHandler.Active).Methods("GET", "OPTIONS")
	userRoutes.HandleFunc("/sessions/history", sessionHandler.History).Methods("GET", "OPTIONS")

	return r
}

func corsMiddleware(allowedOrigins string) mux.MiddlewareFunc {
	if allowedOrigins == "" {
		allowedOrigins = "*"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigins)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
