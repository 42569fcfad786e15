// Package httpgate provides HTTP middleware and read-only endpoints that
// expose the accounting engine to an HTTP service. The middleware gates
// requests on feature quotas; the routes serve quota and ledger snapshots.
package httpgate

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/artpar/planmeter/app"
	"github.com/artpar/planmeter/domain/period"
	"github.com/artpar/planmeter/domain/quota"
	"github.com/artpar/planmeter/ports"
)

// SubjectResolver extracts the metered subject from a request, typically
// from auth middleware further up the chain. The boolean is false when the
// request carries no subject.
type SubjectResolver func(r *http.Request) (ports.Subject, bool)

// Gate wires the enforcement engine into an HTTP middleware chain.
type Gate struct {
	enforcer *app.Enforcer
	tracker  *app.Tracker
	subject  SubjectResolver
	logger   zerolog.Logger
}

// Deps contains dependencies for the gate.
type Deps struct {
	Enforcer *app.Enforcer
	Tracker  *app.Tracker
	Subject  SubjectResolver
	Logger   zerolog.Logger
}

// New creates a new HTTP gate.
func New(deps Deps) *Gate {
	return &Gate{
		enforcer: deps.Enforcer,
		tracker:  deps.Tracker,
		subject:  deps.Subject,
		logger:   deps.Logger,
	}
}

// RequireFeature gates the wrapped handler on one unit of the feature.
// Admission and consumption happen before the handler runs: a rejected
// request never reaches it. Responses: 401 without a subject, 403 when the
// plan does not grant the feature, 429 when the quota is exhausted.
func (g *Gate) RequireFeature(slug string) func(http.Handler) http.Handler {
	return g.RequireFeatureUnits(slug, decimal.NewFromInt(1))
}

// RequireFeatureUnits gates the wrapped handler on a fixed per-request cost.
func (g *Gate) RequireFeatureUnits(slug string, cost decimal.Decimal) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := g.subject(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "no subject on request")
				return
			}

			err := g.enforcer.EnforceOrFail(r.Context(), subject, slug, cost)
			switch {
			case err == nil:
				g.quotaHeaders(r, w, subject, slug)
				next.ServeHTTP(w, r)

			case errors.Is(err, app.ErrFeatureNotGranted):
				writeError(w, http.StatusForbidden, "feature_not_granted",
					"plan does not include feature "+slug)

			default:
				var exceeded *app.QuotaExceededError
				if errors.As(err, &exceeded) {
					g.quotaHeaders(r, w, subject, slug)
					writeError(w, http.StatusTooManyRequests, "quota_exceeded", exceeded.Error())
					return
				}
				g.logger.Error().Err(err).Str("feature", slug).Msg("enforcement failed")
				writeError(w, http.StatusInternalServerError, "internal_error", "enforcement failed")
			}
		})
	}
}

// quotaHeaders adds the rate-limit style headers clients use to pace
// themselves. Unlimited quotas get no headers.
func (g *Gate) quotaHeaders(r *http.Request, w http.ResponseWriter, subject ports.Subject, slug string) {
	q, ok, err := g.enforcer.Get(r.Context(), subject, slug)
	if err != nil || !ok || !q.Limit.Valid {
		return
	}
	w.Header().Set("X-Quota-Limit", q.Limit.Decimal.String())
	w.Header().Set("X-Quota-Used", q.Used.String())
	if q.ResetAt != nil {
		w.Header().Set("X-Quota-Reset", q.ResetAt.UTC().Format(time.RFC3339))
	}
}

// Router returns read-only snapshot endpoints for the authenticated subject.
func (g *Gate) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/quotas", g.listQuotas)
	r.Get("/quotas/{feature}", g.getQuota)
	r.Get("/usage/{feature}", g.getUsage)
	r.Get("/usage/{feature}/stats", g.getStats)
	return r
}

// quotaResponse is the wire view of a quota snapshot.
type quotaResponse struct {
	Feature   string     `json:"feature"`
	Limit     *string    `json:"limit"` // null = unlimited
	Used      string     `json:"used"`
	Remaining *string    `json:"remaining"` // null = unlimited
	ResetAt   *time.Time `json:"reset_at,omitempty"`
}

func quotaToResponse(q quota.Quota) quotaResponse {
	resp := quotaResponse{
		Feature: q.FeatureSlug,
		Used:    q.Used.String(),
		ResetAt: q.ResetAt,
	}
	if q.Limit.Valid {
		limit := q.Limit.Decimal.String()
		resp.Limit = &limit
	}
	if remaining := quota.Remaining(q); remaining.Valid {
		s := remaining.Decimal.String()
		resp.Remaining = &s
	}
	return resp
}

func (g *Gate) resolve(w http.ResponseWriter, r *http.Request) (ports.Subject, bool) {
	subject, ok := g.subject(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no subject on request")
		return nil, false
	}
	return subject, true
}

func (g *Gate) listQuotas(w http.ResponseWriter, r *http.Request) {
	subject, ok := g.resolve(w, r)
	if !ok {
		return
	}
	quotas, err := g.enforcer.Quotas(r.Context(), subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "list quotas failed")
		return
	}
	out := make([]quotaResponse, 0, len(quotas))
	for _, q := range quotas {
		out = append(out, quotaToResponse(q))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"quotas": out})
}

func (g *Gate) getQuota(w http.ResponseWriter, r *http.Request) {
	subject, ok := g.resolve(w, r)
	if !ok {
		return
	}
	slug := chi.URLParam(r, "feature")

	q, granted, err := g.enforcer.GetOrCreate(r.Context(), subject, slug)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "get quota failed")
		return
	}
	if !granted {
		writeError(w, http.StatusForbidden, "feature_not_granted",
			"plan does not include feature "+slug)
		return
	}
	writeJSON(w, http.StatusOK, quotaToResponse(q))
}

func (g *Gate) getUsage(w http.ResponseWriter, r *http.Request) {
	subject, ok := g.resolve(w, r)
	if !ok {
		return
	}
	slug := chi.URLParam(r, "feature")

	total, err := g.tracker.CurrentPeriodUsage(r.Context(), subject, slug)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "usage lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"feature": slug,
		"used":    total,
	})
}

func (g *Gate) getStats(w http.ResponseWriter, r *http.Request) {
	subject, ok := g.resolve(w, r)
	if !ok {
		return
	}
	slug := chi.URLParam(r, "feature")

	from, err := parseTimeQuery(r, "from", time.Time{})
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid from timestamp")
		return
	}
	to, err := parseTimeQuery(r, "to", time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid to timestamp")
		return
	}
	bucket := period.Period(r.URL.Query().Get("bucket"))
	if bucket == "" {
		bucket = period.Daily
	}
	if !bucket.Valid() || bucket == period.None {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid bucket period")
		return
	}

	buckets, err := g.tracker.Statistics(r.Context(), subject, slug, from, to, bucket)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "statistics failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"feature": slug,
		"buckets": buckets,
	})
}

func parseTimeQuery(r *http.Request, name string, defaultVal time.Time) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal, nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
