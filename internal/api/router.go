package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(apiHandler *APIHandler, corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", apiHandler.HealthHandler)

		r.Group(func(r chi.Router) {
			if apiHandler.authEnabled() {
				r.Use(apiHandler.JWTAuthMiddleware)
			}

			r.Route("/chat", func(r chi.Router) {
				r.Post("/messages", apiHandler.ProcessMessageHandler)
				r.Post("/respond", apiHandler.RespondHandler)
				r.Get("/search", apiHandler.SearchMessagesHandler)
				r.Post("/cleanup", apiHandler.CleanupHandler)
				r.Get("/sessions/{sessionID}/history", apiHandler.HistoryHandler)
				r.Get("/sessions/{sessionID}/recent", apiHandler.RecentHandler)
				r.Get("/sessions/{sessionID}/count", apiHandler.CountHandler)
			})

			r.Route("/users", func(r chi.Router) {
				r.Post("/", apiHandler.OnboardHandler)
				r.Route("/{userID}", func(r chi.Router) {
					r.Get("/context", apiHandler.GetContextHandler)
					r.Put("/context", apiHandler.UpdateContextHandler)
					r.Delete("/context", apiHandler.DeleteContextHandler)
					r.Get("/similar", apiHandler.SimilarUsersHandler)
					r.Get("/sessions", apiHandler.SessionsHandler)
					r.Get("/patterns", apiHandler.PatternsHandler)
				})
			})

			r.Route("/owners", func(r chi.Router) {
				r.Post("/", apiHandler.CreateOwnerHandler)
				r.Get("/", apiHandler.ListOwnersHandler)
				r.Post("/search", apiHandler.SearchOwnersHandler)
				r.Get("/{ownerID}", apiHandler.GetOwnerHandler)
				r.Put("/{ownerID}", apiHandler.UpdateOwnerHandler)
				r.Delete("/{ownerID}", apiHandler.DeleteOwnerHandler)
				r.Get("/{ownerID}/products", apiHandler.OwnerProductsHandler)
			})

			r.Route("/products", func(r chi.Router) {
				r.Post("/", apiHandler.CreateProductHandler)
				r.Get("/", apiHandler.ListProductsHandler)
				r.Get("/{productID}", apiHandler.GetProductHandler)
				r.Put("/{productID}", apiHandler.UpdateProductHandler)
				r.Delete("/{productID}", apiHandler.DeleteProductHandler)
				r.Get("/{productID}/similar", apiHandler.SimilarProductsHandler)
			})

			r.Route("/recommendations", func(r chi.Router) {
				r.Post("/", apiHandler.RecommendHandler)
				r.Post("/search", apiHandler.SearchProductsHandler)
			})
		})
	})

	return r
}
