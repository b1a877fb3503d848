package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORSHandler returns a configured CORS handler for Chi
func CORSHandler(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
