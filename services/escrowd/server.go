package escrowd

import (
	"bytes"
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"opticgov/native/escrow"
	"opticgov/observability/metrics"
	"opticgov/storage"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
)

// IdempotencyStore persists responses keyed by Idempotency-Key. A key is
// reserved before the request executes and completed or released after.
type IdempotencyStore interface {
	ReserveIdempotency(ctx context.Context, rec *storage.IdempotencyRecord) (*storage.IdempotencyRecord, error)
	CompleteIdempotency(ctx context.Context, key string, status int, response []byte) error
	ReleaseIdempotency(ctx context.Context, key string) error
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires the server's collaborators.
type Options struct {
	Engine      *escrow.Engine
	Journal     *storage.Journal
	Idempotency IdempotencyStore
	Auth        AuthConfig
	RateLimit   RateLimit
	Health      Pinger
	Logger      *slog.Logger
}

// Server exposes the escrow engine over HTTP and websockets.
type Server struct {
	engine     *escrow.Engine
	journal    *storage.Journal
	idem       IdempotencyStore
	auth       *Authenticator
	streamAuth *Authenticator
	limiter    *RateLimiter
	hub        *Hub
	health     Pinger
	logger     *slog.Logger
	metrics    *metrics.EscrowMetrics
	httpM      *metrics.HTTPMetrics
	nowFn      func() time.Time
	handler    http.Handler
}

// NewServer validates opts and builds the router. The journal's append hook
// is claimed to feed the websocket hub.
func NewServer(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("escrowd: engine required")
	}
	if opts.Journal == nil {
		return nil, errors.New("escrowd: journal required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	streamCfg := opts.Auth
	streamCfg.QueryToken = true
	s := &Server{
		engine:     opts.Engine,
		journal:    opts.Journal,
		idem:       opts.Idempotency,
		auth:       NewAuthenticator(opts.Auth, logger),
		streamAuth: NewAuthenticator(streamCfg, logger),
		limiter:    NewRateLimiter(opts.RateLimit, metrics.HTTP()),
		hub:        NewHub(),
		health:     opts.Health,
		logger:     logger,
		metrics:    metrics.Escrow(),
		httpM:      metrics.HTTP(),
		nowFn:      time.Now,
	}
	s.journal.OnAppend(s.hub.Publish)
	s.handler = otelhttp.NewHandler(s.routes(), "escrowd")
	return s, nil
}

// Hub exposes the live event fan-out.
func (s *Server) Hub() *Hub { return s.hub }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)
			r.With(s.limiter.Middleware("create_project")).Post("/projects", s.handleCreateProject)
			r.Get("/projects", s.handleListProjects)
			r.Get("/projects/{id}", s.handleGetProject)
			r.With(s.limiter.Middleware("submit_evidence")).Post("/projects/{id}/milestones/{index}/evidence", s.handleSubmitEvidence)
			r.With(s.limiter.Middleware("release_milestone")).Post("/projects/{id}/milestones/{index}/release", s.handleReleaseMilestone)
			r.Get("/accounts/{address}/balance", s.handleBalance)
		})
		r.With(s.streamAuth.Middleware).Get("/events/ws", s.handleEventStream)
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.httpM.Observe(route, r.Method, status, elapsed)
		s.logger.Debug("request served",
			slog.String("method", r.Method),
			slog.String("path", route),
			slog.Int("status", status),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":      "ok",
		"oracle":      s.engine.Oracle().Hex(),
		"journalHead": s.journal.Head(),
		"subscribers": s.hub.Subscribers(),
	}
	status := http.StatusOK
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			resp["status"] = "degraded"
			resp["error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	body, err := readRequestBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err)
		return
	}

	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	reserved := false
	if key != "" && s.idem != nil {
		key = caller.Hex() + ":" + key
		requestHash := hashRequest(r.Method, r.URL.Path, body)
		existing, err := s.idem.ReserveIdempotency(r.Context(), &storage.IdempotencyRecord{
			Key:         key,
			RequestHash: requestHash,
			Method:      r.Method,
			Path:        r.URL.Path,
			CreatedAt:   s.nowFn().UTC(),
		})
		switch {
		case err != nil:
			s.logger.Error("idempotency reserve failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "internal", errors.New("internal error"))
			return
		case existing == nil:
			reserved = true
		case existing.RequestHash != requestHash:
			writeError(w, http.StatusConflict, "idempotency_conflict", errors.New("idempotency key reuse with different request body"))
			return
		case existing.Pending():
			writeError(w, http.StatusConflict, "idempotency_in_progress", errors.New("a request with this idempotency key is still running"))
			return
		default:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(existing.Status)
			_, _ = w.Write(existing.Response)
			return
		}
	}
	keep := false
	if reserved {
		defer func() {
			if keep {
				return
			}
			if err := s.idem.ReleaseIdempotency(context.WithoutCancel(r.Context()), key); err != nil {
				s.logger.Error("idempotency release failed", slog.Any("error", err))
			}
		}()
	}

	var req CreateProjectRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	contractor, err := parseAddress(req.Contractor)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", fmt.Errorf("contractor: %w", err))
		return
	}
	amounts := make([]*uint256.Int, len(req.Milestones))
	descriptions := make([]string, len(req.Milestones))
	for i, m := range req.Milestones {
		amount, err := escrow.ParseEther(m.Amount)
		if err != nil {
			s.fail(w, "create_project", fmt.Errorf("milestone %d: %w", i, err))
			return
		}
		amounts[i] = amount
		descriptions[i] = m.Description
	}
	deposit, err := escrow.ParseEther(req.Deposit)
	if err != nil {
		s.fail(w, "create_project", fmt.Errorf("deposit: %w", err))
		return
	}

	id, err := s.engine.CreateProject(r.Context(), caller, contractor, amounts, descriptions, deposit)
	if err != nil {
		s.fail(w, "create_project", err)
		return
	}
	payload, err := json.Marshal(CreateProjectResponse{ProjectID: id})
	if err != nil {
		s.fail(w, "create_project", err)
		return
	}
	if reserved {
		keep = true
		if err := s.idem.CompleteIdempotency(context.WithoutCancel(r.Context()), key, http.StatusCreated, payload); err != nil {
			s.logger.Error("idempotency complete failed", slog.Any("error", err), slog.Uint64("project_id", id))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(payload)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	var filter escrow.ProjectFilter
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("funder")); raw != "" {
		addr, err := parseAddress(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_argument", fmt.Errorf("funder: %w", err))
			return
		}
		filter.Funder = addr
	}
	if raw := strings.TrimSpace(query.Get("contractor")); raw != "" {
		addr, err := parseAddress(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_argument", fmt.Errorf("contractor: %w", err))
			return
		}
		filter.Contractor = addr
	}
	projects, err := s.engine.Projects(r.Context(), filter)
	if err != nil {
		s.fail(w, "list_projects", err)
		return
	}
	views := make([]ProjectView, 0, len(projects))
	for _, p := range projects {
		views = append(views, newProjectView(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": views})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := projectIDParam(w, r)
	if !ok {
		return
	}
	project, err := s.engine.Project(r.Context(), id)
	if err != nil {
		s.fail(w, "get_project", err)
		return
	}
	writeJSON(w, http.StatusOK, newProjectView(project))
}

func (s *Server) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	id, ok := projectIDParam(w, r)
	if !ok {
		return
	}
	index, ok := milestoneIndexParam(w, r)
	if !ok {
		return
	}
	var req EvidenceRequest
	if !readJSON(w, r, &req) {
		return
	}
	evt, err := s.engine.SubmitEvidence(r.Context(), caller, id, index, req.Reference)
	if err != nil {
		s.fail(w, "submit_evidence", err)
		return
	}
	writeJSON(w, http.StatusCreated, EvidenceReceipt{
		ProjectID:      evt.ProjectID,
		MilestoneIndex: evt.MilestoneIndex,
		Sequence:       evt.Sequence,
		Reference:      evt.Reference,
		Digest:         digestHex(evt.Digest),
	})
}

func (s *Server) handleReleaseMilestone(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	id, ok := projectIDParam(w, r)
	if !ok {
		return
	}
	index, ok := milestoneIndexParam(w, r)
	if !ok {
		return
	}
	var req ReleaseRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Approved == nil {
		s.fail(w, "release_milestone", fmt.Errorf("%w: approved is required", escrow.ErrInvalidVerdict))
		return
	}
	decision, err := s.engine.ReleaseMilestone(r.Context(), caller, id, index, escrow.VerdictFromApproval(*req.Approved))
	if err != nil {
		s.fail(w, "release_milestone", err)
		return
	}
	writeJSON(w, http.StatusOK, newDecisionView(decision))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	balance, err := s.engine.Balance(r.Context(), addr)
	if err != nil {
		s.fail(w, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceView{
		Address:    addr.Hex(),
		Balance:    escrow.FormatEther(balance),
		BalanceWei: balance.Dec(),
	})
}

// fail maps an engine error onto its HTTP status and records the failure.
func (s *Server) fail(w http.ResponseWriter, operation string, err error) {
	status, code := classifyError(err)
	s.metrics.ObserveFailure(operation, code)
	if status == http.StatusInternalServerError {
		s.logger.Error("escrow operation failed", slog.String("event", operation), slog.Any("error", err))
		writeError(w, status, code, errors.New("internal error"))
		return
	}
	writeError(w, status, code, err)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, escrow.ErrInvalidMilestoneSet):
		return http.StatusBadRequest, "invalid_milestone_set"
	case errors.Is(err, escrow.ErrAmountMismatch):
		return http.StatusBadRequest, "amount_mismatch"
	case errors.Is(err, escrow.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, escrow.ErrInvalidEvidence):
		return http.StatusBadRequest, "invalid_evidence"
	case errors.Is(err, escrow.ErrInvalidVerdict):
		return http.StatusBadRequest, "invalid_verdict"
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, escrow.ErrAlreadyCompleted):
		return http.StatusConflict, "already_completed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func projectIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", fmt.Errorf("invalid project id %q", chi.URLParam(r, "id")))
		return 0, false
	}
	return id, true
}

func milestoneIndexParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", fmt.Errorf("invalid milestone index %q", chi.URLParam(r, "index")))
		return 0, false
	}
	return index, true
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func readJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body, err := readRequestBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err)
		return false
	}
	if err := decodeJSON(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", fmt.Errorf("invalid JSON payload: %w", err))
		return false
	}
	return true
}

func decodeJSON(body []byte, dst interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func hashRequest(method, path string, body []byte) string {
	return crypto.Keccak256Hash([]byte(strings.ToUpper(method)), []byte(path), body).Hex()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, map[string]string{"error": code, "message": err.Error()})
}
