package etl

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/cannabis-licenses/internal/httputil"
	"github.com/EmpoweredVote/cannabis-licenses/internal/licenses"
)

const defaultRecentRuns = 20

// AdminHandler exposes the refresh operations behind the API key.
type AdminHandler struct {
	pipeline *Pipeline
	engine   *licenses.QueryEngine
	log      *zap.Logger
}

func NewAdminHandler(p *Pipeline, engine *licenses.QueryEngine, log *zap.Logger) *AdminHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminHandler{pipeline: p, engine: engine, log: log}
}

type refreshResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
	Run     Run    `json:"ejecucion"`
}

// Refresh handles POST /actualizar-datos. With ?async=true the run starts in
// the background and the response is 202 with the run id.
func (h *AdminHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))

	if async {
		run, err := h.pipeline.Start(r.Context(), TriggerAPI)
		if errors.Is(err, ErrRefreshInProgress) {
			httputil.WriteError(w, http.StatusConflict, "Ya hay una actualización en curso")
			return
		}
		if err != nil {
			httputil.InternalError(w, h.log, "start refresh failed", err)
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
			"job_id": run.ID,
			"status": run.Status,
		})
		return
	}

	run, err := h.pipeline.Run(r.Context(), TriggerAPI)
	switch {
	case errors.Is(err, ErrRefreshInProgress):
		httputil.WriteError(w, http.StatusConflict, "Ya hay una actualización en curso")
	case err != nil:
		h.log.Error("refresh failed", zap.String("run_id", run.ID.String()), zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, refreshResponse{
			Message: "Error al actualizar los datos",
			Status:  "error",
			Run:     run,
		})
	default:
		httputil.WriteJSON(w, http.StatusOK, refreshResponse{
			Message: "Datos actualizados exitosamente",
			Status:  "success",
			Run:     run,
		})
	}
}

type statusResponse struct {
	Generation *licenses.LoadRun `json:"carga_actual"`
	Runs       []Run             `json:"ejecuciones"`
}

// Status handles GET /actualizar-datos/estado.
func (h *AdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	gen, err := h.engine.Generation(r.Context())
	if err != nil {
		httputil.InternalError(w, h.log, "load generation failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, statusResponse{
		Generation: gen,
		Runs:       h.pipeline.Runs().Recent(defaultRecentRuns),
	})
}

// GetRun handles GET /actualizar-datos/{runID}.
func (h *AdminHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "Identificador de ejecución inválido")
		return
	}
	run, ok := h.pipeline.Runs().Get(id)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "Ejecución no encontrada")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

// SetupRoutes returns the router mounted at /actualizar-datos. auth guards
// every route.
func SetupRoutes(h *AdminHandler, auth func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(auth)

	r.Post("/", h.Refresh)
	r.Get("/estado", h.Status)
	r.Get("/{runID}", h.GetRun)

	return r
}
