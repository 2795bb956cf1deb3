package suppliers

import (
	"github.com/go-chi/chi/v5"

	"github.com/meridian-hms/meridian-hms/internal/identity"
)

func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(identity.RequireAny(identity.RoleMasterView, identity.RoleMasterEdit))
		r.Get("/", h.List)
		r.Get("/{id}", h.Show)
	})
	r.Group(func(r chi.Router) {
		r.Use(identity.RequireAny(identity.RoleMasterEdit))
		r.Post("/", h.Create)
		r.Put("/{id}", h.Update)
		r.Delete("/{id}", h.Deactivate)
	})
}
