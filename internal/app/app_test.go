package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmpoweredVote/cannabis-licenses/internal/config"
	"github.com/EmpoweredVote/cannabis-licenses/internal/db/dbtest"
	"github.com/EmpoweredVote/cannabis-licenses/internal/etl"
	"github.com/EmpoweredVote/cannabis-licenses/internal/middleware"
)

const sourceRows = `[
	{"departamento":"Antioquia","municipio":"Medellin","no_psico":"3","psico":"x","semillas":2,"total":5},
	{"departamento":"antioquia","municipio":"medellin","no_psico":2,"psico":1,"semillas":0,"total":3},
	{"departamento":"Valle del Cauca","municipio":"Cali","no_psico":10,"psico":4,"semillas":1,"total":15},
	{"departamento":"Cauca","municipio":"Toribio","no_psico":4,"psico":3,"semillas":1,"total":8}
]`

func newTestApp(t *testing.T) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.json")
	require.NoError(t, os.WriteFile(path, []byte(sourceRows), 0o600))

	cfg := config.Default()
	cfg.APIKey = "secreto"
	cfg.ArchiveURL = "mem://"

	a, err := New(context.Background(), cfg, nil,
		WithDB(dbtest.New(t)),
		WithExtractor(etl.FileExtractor{Path: path}),
	)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if method == http.MethodPost {
		req.Header.Set(middleware.APIKeyHeader, "secreto")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Index(t *testing.T) {
	h := newTestApp(t).Router()

	rec := do(t, h, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rec.Code)

	var body index
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, Version, body.Version)
	assert.Equal(t, "/estadisticas", body.Endpoints["estadisticas"])
}

func TestRouter_Healthz(t *testing.T) {
	h := newTestApp(t).Router()
	rec := do(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouter_EmptyStoreBeforeFirstLoad(t *testing.T) {
	h := newTestApp(t).Router()

	rec := do(t, h, http.MethodGet, "/licencias")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"resultados":[],"total":0,"pagina":1,"por_pagina":10}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/estadisticas")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_RefreshThenQuery(t *testing.T) {
	a := newTestApp(t)
	h := a.Router()

	rec := do(t, h, http.MethodPost, "/actualizar-datos")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/licencias/buscar/?q=valle")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Results []struct {
			Municipio string `json:"municipio"`
			Total     int64  `json:"total"`
		} `json:"resultados"`
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, int64(1), page.Total)
	assert.Equal(t, "Cali", page.Results[0].Municipio)

	rec = do(t, h, http.MethodGet, "/licencias/1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"municipio":"Medellin"`)
	assert.Contains(t, rec.Body.String(), `"total":8`)

	rec = do(t, h, http.MethodGet, "/estadisticas")
	require.Equal(t, http.StatusOK, rec.Code)
	var st struct {
		Totals struct {
			Municipalities int64 `json:"total_municipios"`
			Licenses       int64 `json:"total_licencias"`
		} `json:"totales"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, int64(3), st.Totals.Municipalities)
	assert.Equal(t, int64(31), st.Totals.Licenses)

	rec = do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `licencias_refresh_runs_total{outcome="success"} 1`))
	assert.Contains(t, rec.Body.String(), `route="/licencias/{id}"`)
}

func TestRouter_AdminNeedsKey(t *testing.T) {
	h := newTestApp(t).Router()

	req := httptest.NewRequest(http.MethodPost, "/actualizar-datos", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
