package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mareiko/lifeline/backend/internal/collaborator"
	callHandler "github.com/mareiko/lifeline/backend/internal/handler/call"
	"github.com/mareiko/lifeline/backend/internal/handler/stream"
	middlewarePkg "github.com/mareiko/lifeline/backend/internal/middleware"
	"github.com/mareiko/lifeline/backend/internal/service/callout"
	"github.com/mareiko/lifeline/backend/internal/service/engine"
	"github.com/mareiko/lifeline/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(eng *engine.Engine, calloutSvc *callout.Service, collaborators map[string]*collaborator.MemoryExecutor) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	callH := callHandler.New(eng, calloutSvc, collaborators)
	streamH := stream.New(eng)

	r.Route("/api", func(api chi.Router) {
		callH.RegisterRoutes(api)
		streamH.RegisterRoutes(api)

		api.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]any{
				"status":    "ok",
				"liveCalls": eng.Live(),
			})
		})
	})

	return r
}
