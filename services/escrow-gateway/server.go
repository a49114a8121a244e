package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"clearhold/escrow"
	"clearhold/observability/metrics"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
)

// Server is the HTTP front-end for escrow interactions. The ledger client
// stays on the caller's side: every request carries settlement references as
// already-completed facts, and the server only records them through the
// engine.
type Server struct {
	engine  *escrow.Engine
	auth    *Authenticator
	store   *SQLiteStore
	logger  *slog.Logger
	metrics *metrics.Escrow

	limit rate.Limit
	burst int

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewServer wires the gateway. The metrics handle may be nil.
func NewServer(engine *escrow.Engine, auth *Authenticator, store *SQLiteStore, logger *slog.Logger, m *metrics.Escrow, perSecond float64, burst int) *Server {
	if engine == nil {
		panic("engine required")
	}
	if auth == nil {
		panic("authenticator required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if perSecond <= 0 {
		perSecond = 20
	}
	if burst <= 0 {
		burst = int(perSecond) * 2
	}
	return &Server{
		engine:   engine,
		auth:     auth,
		store:    store,
		logger:   logger,
		metrics:  m,
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/escrow", s.handle("create", s.handleCreate))
	r.Post("/escrow/from-template", s.handle("create_from_template", s.handleCreateFromTemplate))
	r.Get("/escrow", s.handle("list", s.handleList))
	r.Get("/escrow/{id}", s.handle("get", s.handleGet))
	r.Post("/escrow/{id}/fund", s.handle("fund", s.handleFund))
	r.Post("/escrow/{id}/approve", s.handle("approve", s.handleApprove))
	r.Post("/escrow/{id}/release", s.handle("release", s.handleRelease))
	r.Post("/escrow/{id}/refund", s.handle("refund", s.handleRefund))
	r.Post("/escrow/{id}/dispute", s.handle("dispute", s.handleDispute))
	r.Post("/escrow/{id}/resolve", s.handle("resolve", s.handleResolve))
	r.Post("/escrow/{id}/cancel", s.handle("cancel", s.handleCancel))
	r.Post("/escrow/{id}/documents", s.handle("add_document", s.handleAddDocument))
	r.Post("/escrow/{id}/conditions/{conditionID}/satisfy", s.handle("satisfy_condition", s.handleSatisfy))
	r.Post("/escrow/{id}/conditions/{conditionID}/waive", s.handle("waive_condition", s.handleWaive))
	r.Post("/escrow/{id}/conditions/{conditionID}/fail", s.handle("fail_condition", s.handleFail))
	r.Post("/escrow/{id}/conditions/{conditionID}/release", s.handle("release_partial", s.handleReleasePartial))
	r.Post("/webhooks", s.handle("register_webhook", s.handleRegisterWebhook))
	return r
}

type handlerFunc func(r *http.Request, body []byte) (any, error)

type principalKey struct{}

func principalFrom(ctx context.Context) string {
	if v, ok := ctx.Value(principalKey{}).(string); ok {
		return v
	}
	return ""
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handle(op string, fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
		if err != nil {
			s.finish(w, r, op, "", nil, http.StatusBadRequest, errorResponse{Error: "read request body"}, start)
			return
		}
		if len(body) > maxRequestBody {
			s.finish(w, r, op, "", body, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"}, start)
			return
		}
		principal, err := s.auth.Authenticate(r, body)
		if err != nil {
			s.finish(w, r, op, "", body, http.StatusUnauthorized, errorResponse{Error: err.Error()}, start)
			return
		}
		if !s.allow(principal.APIKey) {
			s.finish(w, r, op, principal.APIKey, body, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"}, start)
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), principalKey{}, principal.APIKey))
		idemKey := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		requestHash := hashRequest(r.Method, r.URL.Path, body)
		if r.Method == http.MethodPost && idemKey != "" {
			cached, err := s.store.LookupIdempotency(r.Context(), principal.APIKey, idemKey, requestHash)
			if errors.Is(err, ErrIdempotencyMismatch) {
				s.finish(w, r, op, principal.APIKey, body, http.StatusConflict, errorResponse{Error: err.Error()}, start)
				return
			}
			if err == nil && cached != nil {
				s.observe(op, "replay", start)
				writeRaw(w, cached.Status, cached.Body)
				return
			}
		}
		result, err := fn(r, body)
		status, payload := s.resolve(result, err)
		encoded, _ := json.Marshal(payload)
		if r.Method == http.MethodPost && idemKey != "" && status < http.StatusInternalServerError {
			if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, idemKey, requestHash, status, encoded); err != nil {
				s.logger.Error("save idempotency key", "err", err)
			}
		}
		s.finish(w, r, op, principal.APIKey, body, status, payload, start)
	}
}

func (s *Server) finish(w http.ResponseWriter, r *http.Request, op, apiKey string, reqBody []byte, status int, payload any, start time.Time) {
	encoded, _ := json.Marshal(payload)
	escrowID := chi.URLParam(r, "id")
	if rec, ok := payload.(*escrow.Escrow); ok {
		escrowID = rec.ID
	}
	if err := s.store.Audit(r.Context(), apiKey, r.Method, r.URL.Path, escrowID, reqBody, status, encoded); err != nil {
		s.logger.Error("append audit log", "err", err)
	}
	result := "ok"
	if status >= 400 {
		result = "error"
	}
	s.observe(op, result, start)
	writeRaw(w, status, encoded)
}

func (s *Server) observe(op, result string, start time.Time) {
	if s.metrics != nil {
		s.metrics.Observe(op, result, time.Since(start).Seconds())
	}
}

func (s *Server) resolve(result any, err error) (int, any) {
	if err == nil {
		return http.StatusOK, result
	}
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: err.Error()}
	case errors.Is(err, escrow.ErrInvalidState):
		return http.StatusConflict, errorResponse{Error: err.Error()}
	case errors.Is(err, escrow.ErrValidation):
		return http.StatusBadRequest, errorResponse{Error: err.Error()}
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden, errorResponse{Error: err.Error()}
	default:
		s.logger.Error("escrow operation failed", "err", err)
		return http.StatusInternalServerError, errorResponse{Error: "internal error"}
	}
}

func (s *Server) allow(apiKey string) bool {
	s.limiterMu.Lock()
	limiter, ok := s.limiters[apiKey]
	if !ok {
		limiter = rate.NewLimiter(s.limit, s.burst)
		s.limiters[apiKey] = limiter
	}
	s.limiterMu.Unlock()
	return limiter.Allow()
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(method))
	sum.Write([]byte{'\n'})
	sum.Write([]byte(path))
	sum.Write([]byte{'\n'})
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

type createRequest struct {
	Kind              string             `json:"kind"`
	Amount            decimal.Decimal    `json:"amount"`
	Chain             string             `json:"chain"`
	Parties           []escrow.Party     `json:"parties"`
	Conditions        []escrow.Condition `json:"conditions"`
	ReleaseRequires   string             `json:"releaseRequires"`
	RequiredApprovals []string           `json:"requiredApprovals"`
	AutoReleaseDays   int                `json:"autoReleaseDays"`
}

func (s *Server) handleCreate(r *http.Request, body []byte) (any, error) {
	var req createRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, escrow.Invalid("decode request: %s", err)
	}
	return s.engine.CreateCustom(r.Context(), escrow.CreateParams{
		Kind:              escrow.Kind(req.Kind),
		Amount:            req.Amount,
		Chain:             req.Chain,
		Parties:           req.Parties,
		Conditions:        req.Conditions,
		ReleaseRequires:   escrow.ReleasePolicy(req.ReleaseRequires),
		RequiredApprovals: req.RequiredApprovals,
		AutoReleaseDays:   req.AutoReleaseDays,
	})
}

type createFromTemplateRequest struct {
	Template   string             `json:"template"`
	Amount     decimal.Decimal    `json:"amount"`
	Chain      string             `json:"chain"`
	Parties    []escrow.Party     `json:"parties"`
	Conditions []escrow.Condition `json:"conditions"`
}

func (s *Server) handleCreateFromTemplate(r *http.Request, body []byte) (any, error) {
	var req createFromTemplateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, escrow.Invalid("decode request: %s", err)
	}
	return s.engine.CreateFromTemplate(r.Context(), req.Template, req.Amount, req.Chain, req.Parties, req.Conditions)
}

func (s *Server) handleGet(r *http.Request, _ []byte) (any, error) {
	return s.engine.Get(r.Context(), chi.URLParam(r, "id"))
}

func (s *Server) handleList(r *http.Request, _ []byte) (any, error) {
	q := r.URL.Query()
	return s.engine.List(r.Context(), escrow.Filter{
		Kind:         escrow.Kind(q.Get("kind")),
		Status:       escrow.Status(q.Get("status")),
		PartyAddress: q.Get("partyAddress"),
	})
}

type refRequest struct {
	Ref string `json:"ref"`
}

func (s *Server) handleFund(r *http.Request, body []byte) (any, error) {
	var req refRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, escrow.Invalid("decode request: %s", err)
	}
	return s.engine.Fund(r.Context(), chi.URLParam(r, "id"), req.Ref)
}

type approveRequest struct {
	Role string `json:"role"`
	Note string `json:"note"`
}

func (s *Server) handleApprove(r *http.Request, body []byte) (any, error) {
	var req approveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, escrow.Invalid("decode request: %s", err)
	}
	return s.engine.Approve(r.Context(), chi.URLParam(r, "id"), req.Role, req.Note)
}

type settleRequest struct {
	Destination string `json:"destination"`
	Ref         string `json:"ref"`
}

func (s *Server) handleRelease(r *http.Request, body []byte) (any, error) {
	var req settleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, escrow.Invalid("decode request: %s", err)
	}
	return s.engine.Release(r.Context(), chi.URLParam(r, "id"), req.Destination, req.Ref)
}

func (s *Server) handleRefund(r *http.Request, body []byte) (any, error) {
	var req refRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, escrow.Invalid("decode request: %s", err)
	}
	return s.engine.Refund(r.Context(), chi.URLParam(r, "id"), req.Ref)
}

type disputeRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

func (s *Server) handleDispute(r *http.Request, body []byte) (any, error) {
	var req disputeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, escrow.Invalid("decode request: %s", err)
	}
	return s.engine.RaiseDispute(r.Context(), chi.URLParam(r, "id"), req.By, req.Reason)
}

type resolveRequest struct {
	Resolution  string `json:"resolution"`
	Outcome     string `json:"outcome"`
	Destination string `json:"destination"`
	Ref         string `json:"ref"`
}

func (s *Server) handleResolve(r *http.Request, body []byte) (any, error) {
	var req resolveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, escrow.Invalid("decode request: %s", err)
	}
	return s.engine.ResolveDispute(r.Context(), chi.URLParam(r, "id"), req.Resolution, escrow.ResolutionOutcome(req.Outcome), req.Destination, req.Ref)
}

func (s *Server) handleCancel(r *http.Request, _ []byte) (any, error) {
	return s.engine.Cancel(r.Context(), chi.URLParam(r, "id"))
}

type documentRequest struct {
	Name       string `json:"name"`
	URI        string `json:"uri"`
	Hash       string `json:"hash"`
	UploadedBy string `json:"uploadedBy"`
}

func (s *Server) handleAddDocument(r *http.Request, body []byte) (any, error) {
	var req documentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, escrow.Invalid("decode request: %s", err)
	}
	return s.engine.AddDocument(r.Context(), chi.URLParam(r, "id"), escrow.Document{
		Name:       req.Name,
		URI:        req.URI,
		Hash:       req.Hash,
		UploadedBy: req.UploadedBy,
	})
}

type conditionActionRequest struct {
	By       string `json:"by"`
	Evidence string `json:"evidence"`
	Reason   string `json:"reason"`
}

func (s *Server) handleSatisfy(r *http.Request, body []byte) (any, error) {
	var req conditionActionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, escrow.Invalid("decode request: %s", err)
	}
	return s.engine.SatisfyCondition(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "conditionID"), req.By, req.Evidence)
}

func (s *Server) handleWaive(r *http.Request, body []byte) (any, error) {
	var req conditionActionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, escrow.Invalid("decode request: %s", err)
	}
	return s.engine.WaiveCondition(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "conditionID"), req.By)
}

func (s *Server) handleFail(r *http.Request, body []byte) (any, error) {
	var req conditionActionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, escrow.Invalid("decode request: %s", err)
	}
	return s.engine.FailCondition(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "conditionID"), req.Reason)
}

func (s *Server) handleReleasePartial(r *http.Request, body []byte) (any, error) {
	var req settleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, escrow.Invalid("decode request: %s", err)
	}
	return s.engine.ReleasePartial(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "conditionID"), req.Destination, req.Ref)
}

type webhookRequest struct {
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
}

type webhookResponse struct {
	ID int64 `json:"id"`
}

func (s *Server) handleRegisterWebhook(r *http.Request, body []byte) (any, error) {
	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, escrow.Invalid("decode request: %s", err)
	}
	if strings.TrimSpace(req.URL) == "" || strings.TrimSpace(req.Secret) == "" {
		return nil, escrow.Invalid("webhook url and secret required")
	}
	eventType := strings.TrimSpace(req.EventType)
	if eventType == "" {
		eventType = "*"
	}
	id, err := s.store.RegisterWebhook(r.Context(), Webhook{
		APIKey:    principalFrom(r.Context()),
		EventType: eventType,
		URL:       strings.TrimSpace(req.URL),
		Secret:    strings.TrimSpace(req.Secret),
	})
	if err != nil {
		return nil, err
	}
	return webhookResponse{ID: id}, nil
}
