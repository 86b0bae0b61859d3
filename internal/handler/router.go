package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/loyalty-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware административного API.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/admin", func(r chi.Router) {
		r.Post("/session", h.CreateSession)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/points/individual", h.AddIndividualPoints)
			r.Post("/points/bulk", h.AddBulkPoints)
			r.Post("/points/reduce", h.ReducePoints)

			r.Post("/processing/run", h.RunProcessing)

			r.Get("/customers/{customerID}/balance", h.GetBalance)
			r.Get("/customers/{customerID}/transactions", h.GetTransactions)

			r.Post("/priority", h.SetPriority)
			r.Delete("/priority/{customerID}", h.RemovePriority)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
