package licenses

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/cannabis-licenses/internal/httputil"
)

// Handler serves the read-only license endpoints.
type Handler struct {
	engine *QueryEngine
	log    *zap.Logger
}

func NewHandler(engine *QueryEngine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{engine: engine, log: log}
}

// List handles GET /licencias?skip&limit.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := h.pageParams(w, r.URL.Query())
	if !ok {
		return
	}
	start := time.Now()
	page, err := h.engine.List(r.Context(), p)
	if err != nil {
		httputil.InternalError(w, h.log, "list licenses failed", err)
		return
	}
	httputil.AddServerTiming(w, httputil.Timing{Name: "dbread", Dur: time.Since(start)})
	httputil.WriteJSON(w, http.StatusOK, page)
}

// Get handles GET /licencias/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "El ID debe ser un número entero")
		return
	}
	lic, err := h.engine.GetByID(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, fmt.Sprintf("Licencia con ID %d no encontrada", id))
		return
	}
	if err != nil {
		httputil.InternalError(w, h.log, "get license failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, lic)
}

// GetByKey handles GET /licencias/clave/{clave}.
func (h *Handler) GetByKey(w http.ResponseWriter, r *http.Request) {
	key, err := uuid.Parse(chi.URLParam(r, "clave"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "Clave inválida")
		return
	}
	lic, err := h.engine.GetByKey(r.Context(), key)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, fmt.Sprintf("Licencia con clave %s no encontrada", key))
		return
	}
	if err != nil {
		httputil.InternalError(w, h.log, "get license by key failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, lic)
}

// Search handles GET /licencias/buscar/?q&departamento&tipo&min_total&max_total&skip&limit.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	p, ok := h.pageParams(w, qs)
	if !ok {
		return
	}
	params := SearchParams{
		PageParams: p,
		Query:      qs.Get("q"),
		Department: qs.Get("departamento"),
		OrderBy:    qs.Get("tipo"),
	}
	if params.MinTotal, ok = optionalCount(w, qs, "min_total"); !ok {
		return
	}
	if params.MaxTotal, ok = optionalCount(w, qs, "max_total"); !ok {
		return
	}

	start := time.Now()
	page, err := h.engine.Search(r.Context(), params)
	if err != nil {
		httputil.InternalError(w, h.log, "search licenses failed", err)
		return
	}
	httputil.AddServerTiming(w, httputil.Timing{Name: "dbread", Dur: time.Since(start)})
	httputil.WriteJSON(w, http.StatusOK, page)
}

// Statistics handles GET /estadisticas.
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	st, err := h.engine.Statistics(r.Context())
	if err != nil {
		httputil.InternalError(w, h.log, "statistics failed", err)
		return
	}
	httputil.AddServerTiming(w, httputil.Timing{Name: "stats", Dur: time.Since(start)})
	httputil.WriteJSON(w, http.StatusOK, st)
}

func (h *Handler) pageParams(w http.ResponseWriter, qs url.Values) (PageParams, bool) {
	p := PageParams{Skip: 0, Limit: h.engine.defaultLimit}
	if s := qs.Get("skip"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			httputil.WriteError(w, http.StatusBadRequest, "skip debe ser un entero mayor o igual a 0")
			return p, false
		}
		p.Skip = n
	}
	if s := qs.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > h.engine.MaxLimit() {
			httputil.WriteError(w, http.StatusBadRequest,
				fmt.Sprintf("limit debe estar entre 1 y %d", h.engine.MaxLimit()))
			return p, false
		}
		p.Limit = n
	}
	return p, true
}

func optionalCount(w http.ResponseWriter, qs url.Values, name string) (*int64, bool) {
	s := qs.Get(name)
	if s == "" {
		return nil, true
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		httputil.WriteError(w, http.StatusBadRequest, name+" debe ser un entero mayor o igual a 0")
		return nil, false
	}
	return &n, true
}
