package core

import (
	"net/http"
	"reel/internal/apperr"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Handler returns an http.Handler implementing the upload and playback API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Recoverer)
	r.Use(LogRequest)
	r.Use(SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.Config.AllowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodHead,
			http.MethodPut,
			http.MethodPost,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Length", "Content-Range", "Content-Type", "Accept-Ranges", "ETag"},
		MaxAge:         DefaultCORSMaxAge,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errFileNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, apperr.MethodNotAllowed(r.Method))
	})

	r.Post("/getUploadUrl", s.handleGetUploadURL)
	r.Get("/v/*", s.handleViewPage)

	r.Get("/*", s.handleGetObject)
	r.Head("/*", s.handleHeadObject)
	r.Options("/*", s.handleOptions)

	r.Group(func(r chi.Router) {
		r.Use(s.RequireWriteAuthentication)

		r.Post("/combine", s.handleCombine)
		r.Post("/abort", s.handleAbort)
		r.Put("/*", s.handlePutObject)
		r.Delete("/*", s.handleDeleteObject)
	})

	return r
}
