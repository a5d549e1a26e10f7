package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/TestborBot/internal/cryptopay"
	"github.com/digkill/TestborBot/internal/metrics"
	"github.com/digkill/TestborBot/internal/service"
)

// maxWebhookBody caps a processor delivery.
const maxWebhookBody = 1 << 20

type Options struct {
	Addr        string
	Username    string
	Password    string
	WebhookPath string
}

type Services struct {
	Users        *service.UserService
	Entitlements *service.EntitlementService
	Intents      *service.IntentService
	Promos       *service.PromoService
	Reconcile    *service.ReconcileService
	Broadcast    *service.BroadcastService
}

type Server struct {
	opts    Options
	log     *slog.Logger
	svc     Services
	metrics *metrics.Metrics
	router  *chi.Mux
}

func NewServer(opts Options, log *slog.Logger, svc Services, m *metrics.Metrics) *Server {
	if opts.WebhookPath == "" {
		opts.WebhookPath = "/cryptopay/webhook"
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		opts:    opts,
		log:     log,
		svc:     svc,
		metrics: m,
		router:  r,
	}
	r.Use(s.metricsMiddleware)

	r.Post(opts.WebhookPath, s.handleCryptoWebhook)
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Handle("/metrics", m.Handler())
		protected.Get("/stats", s.handleStats)
		protected.Post("/broadcast", s.handleBroadcast)
		protected.Route("/promo-codes", func(r chi.Router) {
			r.Get("/", s.handleListPromos)
			r.Post("/", s.handleCreatePromo)
		})
		protected.Route("/users/{id}", func(r chi.Router) {
			r.Put("/premium", s.handleSetPremium)
			r.Put("/limit", s.handleSetLimit)
		})
		protected.Route("/intents", func(r chi.Router) {
			r.Get("/pending", s.handleListPending)
			r.Post("/{id}/resolve", s.handleResolveIntent)
		})
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("admin shutdown error", "err", err)
		}
	}()

	s.log.Info("admin server listening", "addr", s.opts.Addr, "webhook", s.opts.WebhookPath)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin listen: %w", err)
	}
	return nil
}

// handleCryptoWebhook is the public endpoint of the crypto processor. Any
// 2xx stops redelivery, so storage failures must answer 500.
func (s *Server) handleCryptoWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	if len(body) > maxWebhookBody {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	result, err := s.svc.Reconcile.HandleCryptoUpdate(r.Context(), body, r.Header.Get(cryptopay.SignatureHeader))
	switch {
	case errors.Is(err, service.ErrInvalidSignature):
		s.log.Warn("crypto webhook rejected", "reason", "signature", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	case errors.Is(err, service.ErrMalformedPayload):
		s.log.Warn("crypto webhook rejected", "reason", "malformed", "err", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	case err != nil:
		s.log.Error("crypto webhook", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "result": result})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Users.Stats(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

type broadcastRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	report, err := s.svc.Broadcast.Broadcast(r.Context(), req.Message)
	if errors.Is(err, service.ErrEmptyBroadcast) {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListPromos(w http.ResponseWriter, r *http.Request) {
	promos, err := s.svc.Promos.List(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, promos)
}

type promoRequest struct {
	Days    int   `json:"days"`
	AdminID int64 `json:"admin_id"`
}

func (s *Server) handleCreatePromo(w http.ResponseWriter, r *http.Request) {
	var req promoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	promo, err := s.svc.Promos.Generate(r.Context(), req.AdminID, req.Days)
	if errors.Is(err, service.ErrInvalidPromoDays) {
		s.badRequest(w, err)
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, promo)
}

type premiumRequest struct {
	Premium bool `json:"premium"`
}

func (s *Server) handleSetPremium(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req premiumRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	acc, err := s.svc.Entitlements.SetPremium(r.Context(), id, req.Premium)
	if errors.Is(err, service.ErrAccountNotFound) {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, acc)
}

type limitRequest struct {
	Limit int `json:"limit"`
}

func (s *Server) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req limitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	err = s.svc.Users.SetQuotaLimit(r.Context(), id, req.Limit)
	switch {
	case errors.Is(err, service.ErrAccountNotFound):
		http.Error(w, "user not found", http.StatusNotFound)
		return
	case errors.Is(err, service.ErrPremiumUnlimited):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.badRequest(w, err)
		return
	}
	acc, err := s.svc.Users.Get(r.Context(), id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	olderThan := time.Duration(0)
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			http.Error(w, "invalid older_than", http.StatusBadRequest)
			return
		}
		olderThan = d
	}
	intents, err := s.svc.Intents.ListPending(r.Context(), olderThan, queryInt(r, "limit", 100))
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, intents)
}

type resolveRequest struct {
	Outcome string `json:"outcome"`
	AdminID int64  `json:"admin_id"`
}

func (s *Server) handleResolveIntent(w http.ResponseWriter, r *http.Request) {
	intentID := strings.TrimSpace(chi.URLParam(r, "id"))
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	var outcome service.Outcome
	switch req.Outcome {
	case "completed", "success":
		outcome = service.OutcomeSuccess
	case "failed", "failure":
		outcome = service.OutcomeFailure
	default:
		http.Error(w, "outcome must be completed or failed", http.StatusBadRequest)
		return
	}

	res, err := s.svc.Intents.AdminOverride(r.Context(), intentID, outcome, req.AdminID)
	if errors.Is(err, service.ErrIntentNotFound) {
		http.Error(w, "intent not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Applied {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, map[string]any{"applied": res.Applied, "intent": res.Intent})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.HTTPRequest(route, r.Method, status)
	})
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.opts.Username || pass != s.opts.Password {
				w.Header().Set("WWW-Authenticate", `Basic realm="testbor"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("admin handler error", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
