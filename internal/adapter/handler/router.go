package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type RouterOptions struct {
	Authenticator Authenticator
	AdminRole     string
	Logger        zerolog.Logger
}

func NewRouter(h *HTTPHandler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(Authenticate(opts.Authenticator))
	r.Use(RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/products", func(r chi.Router) {
		r.Get("/", h.ListProducts)
		r.Get("/search", h.SearchProducts)
		r.Get("/categories", h.ListCategories)
		r.Get("/{id}", h.GetProduct)

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(opts.AdminRole))
			r.Post("/", h.CreateProduct)
			r.Put("/{id}", h.UpdateProduct)
			r.Delete("/{id}", h.DeleteProduct)
			r.Post("/{id}/restore", h.RestoreProduct)
			r.Patch("/{id}/stock", h.UpdateStock)
		})
	})

	r.Route("/api/cart", func(r chi.Router) {
		r.Use(RequireIdentity)
		r.Get("/", h.GetCart)
		r.Post("/add", h.AddToCart)
		r.Put("/update/{itemId}", h.UpdateCartItem)
		r.Delete("/remove/{itemId}", h.RemoveFromCart)
		r.Delete("/clear", h.ClearCart)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorHTTPResponse{Success: false, Message: "route not found"})
	})
	return r
}
