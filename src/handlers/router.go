package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/username/ledgerdash/backend/src/logger"
	"github.com/username/ledgerdash/backend/src/utils"
	"golang.org/x/time/rate"
)

// RouterDeps are the handlers and policies the API is assembled from.
type RouterDeps struct {
	Users          *UserHandler
	QuickBooks     *QuickBooksHandler
	Sync           *SyncHandler
	Reports        *ReportHandler
	AllowedOrigins []string
	// Limiter throttles every inbound request; nil disables it.
	Limiter *rate.Limiter
}

// NewRouter mounts every API route.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(enableCORS(d.AllowedOrigins))
	if d.Limiter != nil {
		r.Use(rateLimitMiddleware(d.Limiter))
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		utils.SendJSON(w, map[string]string{"message": "LedgerDash backend is running"}, http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", d.Users.RegisterUserHandler)
		r.Post("/auth/login", d.Users.LoginUserHandler)
		// The OAuth provider redirects the browser here without our bearer token.
		r.Get("/quickbooks/callback", d.QuickBooks.HandleCallback)

		r.Group(func(r chi.Router) {
			r.Use(d.Users.AuthMiddleware)

			r.Post("/auth/logout", d.Users.LogoutUserHandler)

			r.Get("/quickbooks/connect", d.QuickBooks.HandleConnect)
			r.Get("/quickbooks/connections", d.QuickBooks.HandleListConnections)

			r.Post("/sync", d.Sync.HandleSync)
			r.Get("/sync/logs", d.Sync.HandleListSyncLogs)
			r.Get("/sync/stats", d.Sync.HandleStats)

			r.Route("/reports/{reportType}", func(r chi.Router) {
				r.Get("/latest", d.Reports.HandleGetLatest)
				r.Get("/{id}/lines", d.Reports.HandleGetLines)
				r.Get("/{id}/lines.csv", d.Reports.HandleExportLinesCSV)
				r.Get("/{id}/summaries", d.Reports.HandleGetSummaries)
				r.Get("/{id}/columns", d.Reports.HandleGetColumns)
				r.Get("/{id}/raw", d.Reports.HandleGetRawPayload)
				r.Post("/{id}/kpi/recompute", d.Reports.HandleRecomputeKpi)
			})
		})
	})

	return r
}

func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.L.Warn("Rate limit exceeded", "method", r.Method, "path", r.URL.Path, "remoteAddr", r.RemoteAddr)
				utils.SendJSONError(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func enableCORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, PATCH")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Requested-With, If-None-Match")
				w.Header().Set("Access-Control-Expose-Headers", "ETag, Content-Disposition")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				logger.L.Debug("Handling OPTIONS preflight request", "path", r.URL.Path, "origin", origin)
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
