package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"ebooklib/internal/ratelimit"
	"ebooklib/internal/servicetoken"
	"ebooklib/internal/util"
	"ebooklib/services/loan/internal/app"
)

const maxBodyBytes = 1 << 20

// Config wires dependencies for the HTTP server.
type Config struct {
	App *app.App
	// GraphQL is mounted at /graphql when set.
	GraphQL http.Handler
	// BorrowLimiter caps POST /loans per client IP when set.
	BorrowLimiter  *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
	// Maintenance, when set, requires a service token on DELETE /loans/clear-old.
	Maintenance *servicetoken.Verifier
	CORSOrigins []string
}

// Server exposes the loan REST surface.
type Server struct {
	app            *app.App
	graphql        http.Handler
	borrowLimiter  *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	maintenance    *servicetoken.Verifier
	corsOrigins    []string
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:            cfg.App,
		graphql:        cfg.GraphQL,
		borrowLimiter:  cfg.BorrowLimiter,
		trustedProxies: cfg.TrustedProxies,
		maintenance:    cfg.Maintenance,
		corsOrigins:    cfg.CORSOrigins,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(
		util.WithRequestLog("loan",
			util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/loans", s.handleLoans)
	s.mux.HandleFunc("/loans/", s.handleLoanPath)
	s.mux.HandleFunc("/returns", s.handleReturns)
	if s.graphql != nil {
		s.mux.Handle("/graphql", s.graphql)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLoans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListLoans(w, r)
	case http.MethodPost:
		s.handleCreateLoan(w, r)
	default:
		methodNotAllowed(w, r)
	}
}

func (s *Server) handleListLoans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := s.app.ListLoans(r.Context(), app.ListLoansInput{
		UserID: q.Get("userId"),
		BookID: q.Get("bookId"),
		Status: q.Get("status"),
		Page:   atoiOrZero(q.Get("page")),
		Limit:  optionalInt(q.Get("limit")),
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type createLoanRequest struct {
	BookID  string `json:"bookId"`
	DueDate string `json:"dueDate"`
	Note    string `json:"note"`
	UserID  string `json:"userId"`
}

func (s *Server) handleCreateLoan(w http.ResponseWriter, r *http.Request) {
	if !s.allowBorrow(w, r) {
		return
	}
	var req createLoanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token, _ := util.BearerToken(r)
	loan, err := s.app.CreateLoan(r.Context(), app.CreateLoanInput{
		Token:   token,
		UserID:  req.UserID,
		BookID:  req.BookID,
		DueDate: req.DueDate,
		Note:    req.Note,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

// handleLoanPath routes /loans/{id}, /loans/{id}/extend, /loans/{id}/note,
// /loans/clear-old and /loans/cancel/{id}.
func (s *Server) handleLoanPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/loans/"), "/")
	parts := strings.Split(rest, "/")
	switch {
	case rest == "":
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "not found")
	case len(parts) == 1 && parts[0] == "clear-old":
		s.handleClearOld(w, r)
	case len(parts) == 2 && parts[0] == "cancel":
		s.handleCancel(w, r, parts[1])
	case len(parts) == 1:
		s.handleGetLoan(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "extend":
		s.handleExtend(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "note":
		s.handleNote(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "not found")
	}
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	loan, err := s.app.GetLoan(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

type extendRequest struct {
	ExtraDays *int `json:"extraDays"`
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r)
		return
	}
	var req extendRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	loan, err := s.app.ExtendLoan(r.Context(), id, req.ExtraDays)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

type noteRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r)
		return
	}
	var req noteRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	loan, err := s.app.UpdateNote(r.Context(), id, req.Note)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r)
		return
	}
	if _, err := s.app.CancelLoan(r.Context(), id); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearOld(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r)
		return
	}
	if s.maintenance != nil {
		token, _ := util.BearerToken(r)
		caller, err := s.maintenance.Verify(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("purge refused", "ip", util.ClientIP(r, s.trustedProxies), "err", err)
			writeError(w, r, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "service token required")
			return
		}
		util.LoggerFromContext(r.Context()).Info("purge requested", "caller", caller)
	}
	res, err := s.app.PurgeOldLoans(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type returnRequest struct {
	LoanID string `json:"loanId"`
	State  string `json:"state"`
}

func (s *Server) handleReturns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	var req returnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	loan, err := s.app.ReturnLoan(r.Context(), req.LoanID, req.State)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) allowBorrow(w http.ResponseWriter, r *http.Request) bool {
	if s.borrowLimiter == nil {
		return true
	}
	ip := util.ClientIP(r, s.trustedProxies)
	decision := s.borrowLimiter.Allow(r.Context(), "borrow|"+ip)
	if decision.Allowed {
		return true
	}
	retry := int(decision.RetryAfter.Seconds())
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	util.LoggerFromContext(r.Context()).Warn("borrow rate limited", "ip", ip)
	writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many borrow requests")
	return false
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "LOAN_INVALID_REQUEST", "invalid JSON body")
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body and leaves dst at its zero value.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "LOAN_INVALID_REQUEST", "invalid JSON body")
		return false
	}
	return true
}

func atoiOrZero(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}

// optionalInt is nil when raw is absent or not a number.
func optionalInt(raw string) *int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return nil
	}
	return &n
}
