// Package httpapi exposes the on-demand refresh endpoint (spec §6.3). It is
// deliberately thin: a single route, a bearer-token check, and a JSON
// encode/decode around internal/refresh, following the same chi router +
// middleware layering the teacher uses in cmd/gateway, minus everything that
// doesn't apply to a one-route service (RBAC, JWKS, static assets).
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mind-engage/vespa-sync/internal/authtoken"
	"github.com/mind-engage/vespa-sync/internal/loader"
	"github.com/mind-engage/vespa-sync/internal/obs"
	"github.com/mind-engage/vespa-sync/internal/refresh"
)

// NewRouter builds the HTTP router exposing POST /refresh, bearer-token
// authenticated against issuer (spec §6.3).
func NewRouter(r *refresh.Refresher, issuer *authtoken.Issuer) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	router.Use(middleware.Timeout(r.Timeout))
	router.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	router.Group(func(pr chi.Router) {
		pr.Use(bearerAuth(issuer))
		pr.Post("/refresh", refreshHandler(r))
	})

	return router
}

// bearerAuth rejects any request whose Authorization header isn't a valid
// "Bearer <jwt>" signed with the shared secret (spec §6.3).
func bearerAuth(issuer *authtoken.Issuer) func(http.Handler) http.Handler {
	const prefix = "Bearer "
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			h := req.Header.Get("Authorization")
			if !strings.HasPrefix(h, prefix) {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			if err := issuer.Verify(strings.TrimPrefix(h, prefix)); err != nil {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

type refreshRequest struct {
	EstablishmentExternalID string `json:"establishment_external_id"`
}

type refreshResponse struct {
	EstablishmentExternalID string `json:"establishment_external_id"`
	AcademicYear            string `json:"academic_year"`
	Students                counts `json:"students"`
	Scores                  counts `json:"scores"`
	Responses               counts `json:"responses"`
	DurationMS              int64  `json:"duration_ms"`
}

type counts struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Errored  int `json:"errored"`
}

type errorBody struct {
	Error string `json:"error"`
}

// refreshHandler implements spec §6.3's exact response matrix: 200 with the
// summary, 409 already in progress, 404 unknown establishment, 500 internal.
func refreshHandler(r *refresh.Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body refreshRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if body.EstablishmentExternalID == "" {
			http.Error(w, "establishment_external_id is required", http.StatusBadRequest)
			return
		}

		log := obs.FromContext(req.Context()).With("component", "httpapi", "establishment", body.EstablishmentExternalID)

		res, err := r.Run(req.Context(), body.EstablishmentExternalID)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, refreshResponse{
				EstablishmentExternalID: res.EstablishmentExternalID,
				AcademicYear:            res.AcademicYear,
				Students:                toCounts(res.Students),
				Scores:                  toCounts(res.Scores),
				Responses:               toCounts(res.Responses),
				DurationMS:              res.Duration.Milliseconds(),
			})
		case errors.Is(err, refresh.ErrAlreadyInProgress):
			writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		case errors.Is(err, refresh.ErrEstablishmentNotFound):
			writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		default:
			log.Error("refresh failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		}
	}
}

func toCounts(r loader.Result) counts {
	return counts{Inserted: r.Inserted, Updated: r.Updated, Skipped: r.Skipped, Errored: len(r.Errors)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
