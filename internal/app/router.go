package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/cannabis-licenses/internal/etl"
	"github.com/EmpoweredVote/cannabis-licenses/internal/httputil"
	"github.com/EmpoweredVote/cannabis-licenses/internal/licenses"
	"github.com/EmpoweredVote/cannabis-licenses/internal/logging"
	"github.com/EmpoweredVote/cannabis-licenses/internal/middleware"
)

// Version is reported by the index route.
const Version = "1.0.0"

type index struct {
	Message   string            `json:"message"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, index{
		Message: "API de Licencias de Cannabis",
		Version: Version,
		Endpoints: map[string]string{
			"licencias":          "/licencias",
			"licencia_por_id":    "/licencias/{id}",
			"licencia_por_clave": "/licencias/clave/{clave}",
			"buscar":             "/licencias/buscar/",
			"estadisticas":       "/estadisticas",
			"actualizar-datos":   "/actualizar-datos",
		},
	})
}

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	sqlDB, err := a.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		a.log.Warn("health check failed", zap.Error(err))
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Router builds the HTTP surface of the API server.
func (a *App) Router() http.Handler {
	log := logging.Component(a.log, "http")

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(a.Config.AllowedOrigins))
	r.Use(a.Metrics.Middleware)

	r.Get("/", rootHandler)
	r.Get("/healthz", a.healthz)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	lh := licenses.NewHandler(a.Engine, log)
	r.Mount("/licencias", licenses.SetupRoutes(lh))
	r.Get("/estadisticas", lh.Statistics)

	admin := etl.NewAdminHandler(a.Pipeline, a.Engine, log)
	r.Mount("/actualizar-datos", etl.SetupRoutes(admin, middleware.APIKey(a.Config.APIKey, a.Config.APIKeyBcrypt)))

	return r
}
