package licenses

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SetupRoutes returns the router mounted at /licencias.
func SetupRoutes(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/buscar", h.Search)
	r.Get("/buscar/", h.Search)
	r.Get("/clave/{clave}", h.GetByKey)
	r.Get("/{id}", h.Get)

	return r
}
