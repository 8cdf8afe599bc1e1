package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORSMiddleware returns CORS configuration for browser and mobile clients.
// allowedOrigins comes from configuration; an empty list allows every origin,
// which suits native apps that never send an Origin header.
func CORSMiddleware(allowedOrigins []string) func(next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,

		// The API surface only uses these verbs
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},

		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-Request-ID",
		},

		ExposedHeaders: []string{
			"X-Request-ID",
		},

		// Authorization headers carry the identity token
		AllowCredentials: true,

		// Cache preflight requests for 5 minutes
		MaxAge: 300,
	})
}
