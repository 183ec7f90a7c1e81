// Package api provides HTTP handlers for the tile server.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/scene-tiles/server/internal/cache"
	"github.com/scene-tiles/server/internal/metadata"
	"github.com/scene-tiles/server/internal/service"
	"github.com/scene-tiles/server/internal/tile"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Service     *service.TileService
	Cache       *cache.Manager
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/stats", statsHandler(cfg.Cache))

	svc := cfg.Service
	r.Route("/{id}/{scene}", func(r chi.Router) {
		r.Get("/bounds", boundsHandler(svc))
		r.Get("/tilejson.json", tileJSONHandler(svc))
		// The last segment is captured whole so parseTileY can handle the
		// optional @Nx scale and the .png suffix.
		r.Get("/{z}/{x}/{y}", tileHandler(svc))

		r.Get("/{image}/bounds", boundsHandler(svc))
		r.Get("/{image}/tilejson.json", tileJSONHandler(svc))
		r.Get("/{image}/{z}/{x}/{y}", tileHandler(svc))
	})

	return r
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Message: message})
}

// statusFor maps a service error kind to an HTTP status.
func statusFor(kind service.Kind) int {
	switch kind {
	case service.MetadataUnavailable, service.ZoomOutOfRange, service.CoordinateOutOfRange:
		return http.StatusNotFound
	case service.InvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError reports err, logging server-side failures.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var e *service.Error
	if !errors.As(err, &e) {
		log.Printf("[API] %s: %v", r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := statusFor(e.Kind)
	if status >= http.StatusInternalServerError {
		log.Printf("[API] %s: %s: %v", r.URL.Path, e.Kind, err)
	}
	writeError(w, status, e.Message)
}

// datasetKey reads the id, scene and optional image path parameters.
func datasetKey(r *http.Request) (metadata.Key, error) {
	scene, err := strconv.Atoi(chi.URLParam(r, "scene"))
	if err != nil || scene < 0 {
		return metadata.Key{}, errors.New("invalid scene")
	}
	return metadata.Key{
		ID:      chi.URLParam(r, "id"),
		Scene:   scene,
		ImageID: chi.URLParam(r, "image"),
	}, nil
}

var tileYPattern = regexp.MustCompile(`^(\d+)(?:@(\d+)x)?\.png$`)

// parseTileY parses a final path segment such as "1583.png" or
// "1583@2x.png".
func parseTileY(segment string) (y, scale int, err error) {
	m := tileYPattern.FindStringSubmatch(segment)
	if m == nil {
		return 0, 0, errors.New("invalid y")
	}
	if y, err = strconv.Atoi(m[1]); err != nil {
		return 0, 0, errors.New("invalid y")
	}
	scale = 1
	if m[2] != "" {
		if scale, err = strconv.Atoi(m[2]); err != nil {
			return 0, 0, errors.New("invalid scale")
		}
	}
	return y, scale, nil
}

func tileHandler(svc *service.TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := datasetKey(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		z, err := strconv.Atoi(chi.URLParam(r, "z"))
		if err != nil || z < 0 || z > tile.MaxZoom {
			writeError(w, http.StatusBadRequest, "invalid z")
			return
		}
		x, err := strconv.Atoi(chi.URLParam(r, "x"))
		if err != nil || x < 0 {
			writeError(w, http.StatusBadRequest, "invalid x")
			return
		}
		y, scale, err := parseTileY(chi.URLParam(r, "y"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		data, err := svc.GetTile(r.Context(), service.TileRequest{
			Key:   key,
			Tile:  tile.New(z, x, y),
			Scale: scale,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}

func boundsHandler(svc *service.TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := datasetKey(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		bounds, err := svc.Bounds(r.Context(), key)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":     key.String(),
			"bounds": bounds,
		})
	}
}

func tileJSONHandler(svc *service.TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := datasetKey(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		tj, err := svc.TileJSON(r.Context(), key, tileURL(r))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tj)
	}
}

// tileURL returns the tile template next to a tilejson.json request.
func tileURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	base := strings.TrimSuffix(r.URL.Path, "/tilejson.json")
	return scheme + "://" + r.Host + base + "/{z}/{x}/{y}.png"
}

func statsHandler(tiles *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := map[string]interface{}{}
		if tiles != nil {
			stats = tiles.Stats()
		}
		writeJSON(w, http.StatusOK, stats)
	}
}
