package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Hashdive/escra-example/agreement"
	"github.com/Hashdive/escra-example/auth"
	"github.com/Hashdive/escra-example/chain"
	"github.com/Hashdive/escra-example/httpx"
	"github.com/Hashdive/escra-example/logger"
	"github.com/Hashdive/escra-example/webhook"
)

type agreementService interface {
	Create(ctx context.Context, params agreement.CreateParams) (agreement.Agreement, error)
	Send(ctx context.Context, id string) (agreement.Agreement, error)
	RecordSignature(ctx context.Context, ev agreement.SignatureEvent) (agreement.Agreement, error)
	Get(ctx context.Context, id string) (agreement.Agreement, error)
	List(ctx context.Context) ([]agreement.Agreement, error)
	BuildVerification(ctx context.Context, id string) (agreement.VerificationRecord, error)
}

type chainPipeline interface {
	Submit(ctx context.Context, verifier string, rec agreement.VerificationRecord) chain.Result
	Register(ctx context.Context, sender string, documentHash []byte, provider string, wallets []string) (uint64, error)
	Cancel(ctx context.Context, caller, agreementID string) (chain.Outcome, error)
}

type webhookHandler interface {
	Handle(ctx context.Context, rawBody []byte, signatureHeader string) webhook.Ack
}

// Server wires the HTTP surface onto the agreement and chain services.
type Server struct {
	agreements agreementService
	pipeline   chainPipeline
	webhook    webhookHandler
	auth       *auth.Service // nil disables operator auth
	verifier   string
	provider   string
	logger     *slog.Logger
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Post("/webhooks/esign", s.handleWebhook)
		api.Post("/auth/login", s.handleLogin)

		api.Group(func(op chi.Router) {
			if s.auth != nil {
				op.Use(s.auth.Middleware)
			}
			op.HandleFunc("/esign", s.handleESign)
			op.Post("/agreements/{envelopeID}/submit", s.handleSubmit)
			op.Post("/agreements/{envelopeID}/cancel", s.handleCancel)
		})
	})
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log().Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"action", r.URL.Query().Get("action"),
			"status", rec.status,
			logger.Timed(start))
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, httpx.MaxBodyBytes))
	if err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, webhook.AckForError(fmt.Errorf("%w: read body: %v", webhook.ErrBadRequest, err)))
		return
	}
	ack := s.webhook.Handle(r.Context(), body, r.Header.Get(webhook.SignatureHeader))
	httpx.WriteJSON(w, ack.Status, ack)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		httpx.WriteError(w, http.StatusNotFound, "AuthDisabled", "operator auth is not configured", nil)
		return
	}
	var req auth.LoginRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BadRequest", err.Error(), nil)
		return
	}
	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials", nil)
			return
		}
		s.log().Error("login failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "InternalError", "login failed", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// handleESign serves the simulated provider surface keyed by ?action=.
func (s *Server) handleESign(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	method := http.MethodGet
	switch action {
	case "create-envelope", "send", "simulate-sign":
		method = http.MethodPost
	case "envelope", "verification", "list":
	default:
		httpx.WriteError(w, http.StatusBadRequest, "BadRequest", fmt.Sprintf("unknown action %q", action), nil)
		return
	}
	if r.Method != method {
		w.Header().Set("Allow", method)
		httpx.WriteError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", action+" requires "+method, nil)
		return
	}

	switch action {
	case "create-envelope":
		s.handleCreateEnvelope(w, r)
	case "send":
		s.handleSend(w, r)
	case "simulate-sign":
		s.handleSimulateSign(w, r)
	case "envelope":
		s.handleGetEnvelope(w, r)
	case "verification":
		s.handleVerification(w, r)
	case "list":
		s.handleList(w, r)
	}
}

type signerRequest struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	WalletAddress string `json:"walletAddress"`
}

type createEnvelopeRequest struct {
	AgreementID  string          `json:"agreementId"`
	DocumentHash string          `json:"documentHash"`
	Title        string          `json:"title"`
	Message      string          `json:"message"`
	Draft        bool            `json:"draft"`
	Signers      []signerRequest `json:"signers"`
}

func (s *Server) handleCreateEnvelope(w http.ResponseWriter, r *http.Request) {
	var req createEnvelopeRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BadRequest", err.Error(), nil)
		return
	}
	hash, err := decodeHash(req.DocumentHash)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BadRequest", err.Error(), nil)
		return
	}

	params := agreement.CreateParams{
		AgreementID:  strings.TrimSpace(req.AgreementID),
		Title:        req.Title,
		Message:      req.Message,
		DocumentHash: hash,
		Draft:        req.Draft,
	}
	wallets := make([]string, 0, len(req.Signers))
	for _, sr := range req.Signers {
		params.Signers = append(params.Signers, agreement.SignerParams(sr))
		wallets = append(wallets, strings.TrimSpace(sr.WalletAddress))
	}
	// the registry entry cannot be undone, so reject bad input before it exists
	if err := agreement.ValidateParams(params); err != nil {
		s.writeServiceError(w, err)
		return
	}

	if params.AgreementID == "" {
		id, err := s.pipeline.Register(r.Context(), s.verifier, hash, s.provider, wallets)
		if err != nil {
			s.log().Error("chain registration failed", "err", err)
			httpx.WriteError(w, http.StatusBadGateway, "ChainSubmissionFailure", err.Error(), nil)
			return
		}
		params.AgreementID = fmt.Sprintf("%d", id)
	}

	a, err := s.agreements.Create(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"envelopeId":  a.ID,
		"agreementId": a.AgreementID,
		"status":      a.Status,
		"uri":         "/api/esign?action=envelope&envelopeId=" + a.ID,
	})
}

type envelopeRef struct {
	EnvelopeID string `json:"envelopeId"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req envelopeRef
	if err := httpx.ReadJSON(r, &req); err != nil || strings.TrimSpace(req.EnvelopeID) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "BadRequest", "envelopeId is required", nil)
		return
	}
	a, err := s.agreements.Send(r.Context(), req.EnvelopeID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAgreementResponse(a))
}

type simulateSignRequest struct {
	EnvelopeID    string `json:"envelopeId"`
	Email         string `json:"email"`
	WalletAddress string `json:"walletAddress"`
}

func (s *Server) handleSimulateSign(w http.ResponseWriter, r *http.Request) {
	var req simulateSignRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BadRequest", err.Error(), nil)
		return
	}
	if req.EnvelopeID == "" || req.Email == "" || req.WalletAddress == "" {
		httpx.WriteError(w, http.StatusBadRequest, "BadRequest", "envelopeId, email and walletAddress are required", nil)
		return
	}
	a, err := s.agreements.RecordSignature(r.Context(), agreement.SignatureEvent{
		AgreementID:   req.EnvelopeID,
		Email:         req.Email,
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := map[string]any{"envelopeId": a.ID, "status": a.Status}
	if i := a.SignerIndex(req.Email, req.WalletAddress); i >= 0 {
		resp["signer"] = toSignerResponse(a.Signers[i])
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetEnvelope(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("envelopeId")
	if id == "" {
		httpx.WriteError(w, http.StatusBadRequest, "BadRequest", "envelopeId is required", nil)
		return
	}
	a, err := s.agreements.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAgreementResponse(a))
}

func (s *Server) handleVerification(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("envelopeId")
	if id == "" {
		httpx.WriteError(w, http.StatusBadRequest, "BadRequest", "envelopeId is required", nil)
		return
	}
	rec, err := s.agreements.BuildVerification(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toVerificationResponse(rec))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := s.agreements.List(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]agreementResponse, 0, len(items))
	for _, a := range items {
		out = append(out, toAgreementResponse(a))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

// handleSubmit runs the chain pipeline for one agreement on operator request.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "envelopeID")
	if id == "" {
		httpx.WriteError(w, http.StatusBadRequest, "BadRequest", "envelope id is required", nil)
		return
	}
	rec, err := s.agreements.BuildVerification(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	operator, _ := auth.OperatorFromContext(r.Context())
	result := s.pipeline.Submit(r.Context(), s.verifier, rec)
	s.log().Info("manual submission", "envelope_id", id, "operator", operator, "stage", result.Stage, "success", result.Success)

	switch {
	case result.Success:
		httpx.WriteJSON(w, http.StatusOK, result)
	case errors.Is(result.Err, chain.ErrInvalidAgreement):
		httpx.WriteJSON(w, http.StatusUnprocessableEntity, result)
	default:
		httpx.WriteJSON(w, http.StatusBadGateway, result)
	}
}

// handleCancel cancels the registry entry behind an envelope. The local
// record keeps its signing state.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "envelopeID")
	a, err := s.agreements.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	operator, _ := auth.OperatorFromContext(r.Context())
	outcome, err := s.pipeline.Cancel(r.Context(), s.verifier, a.AgreementID)
	s.log().Info("manual cancel", "envelope_id", id, "operator", operator, "success", outcome.Success, "err", err)

	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, outcome)
	case errors.Is(err, chain.ErrInvalidAgreement):
		httpx.WriteError(w, http.StatusUnprocessableEntity, "InvalidAgreement", err.Error(), nil)
	case errors.Is(err, chain.ErrRejected):
		httpx.WriteJSON(w, http.StatusConflict, outcome)
	default:
		httpx.WriteJSON(w, http.StatusBadGateway, outcome)
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agreement.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "NotFound", err.Error(), nil)
	case errors.Is(err, agreement.ErrSignerNotFound):
		httpx.WriteError(w, http.StatusNotFound, "SignerNotFound", err.Error(), nil)
	case errors.Is(err, agreement.ErrNotSent):
		httpx.WriteError(w, http.StatusConflict, "NotSent", err.Error(), nil)
	case errors.Is(err, agreement.ErrInvalidAgreement):
		httpx.WriteError(w, http.StatusBadRequest, "InvalidAgreement", err.Error(), nil)
	default:
		s.log().Error("agreement service failure", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "InternalError", "internal error", nil)
	}
}

func decodeHash(raw string) ([]byte, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	hash, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("documentHash must be hex: %v", err)
	}
	if len(hash) != agreement.DocumentHashSize {
		return nil, fmt.Errorf("documentHash must be %d bytes, got %d", agreement.DocumentHashSize, len(hash))
	}
	return hash, nil
}

type signerResponse struct {
	Name          string  `json:"name"`
	Email         string  `json:"email"`
	WalletAddress string  `json:"walletAddress"`
	Status        string  `json:"status"`
	SignedAt      *string `json:"signedAt"`
}

type agreementResponse struct {
	EnvelopeID   string           `json:"envelopeId"`
	AgreementID  string           `json:"agreementId"`
	Title        string           `json:"title"`
	Message      string           `json:"message,omitempty"`
	DocumentHash string           `json:"documentHash"`
	Status       string           `json:"status"`
	CreatedAt    string           `json:"createdAt"`
	CompletedAt  *string          `json:"completedAt"`
	Signers      []signerResponse `json:"signers"`
}

type signatureResponse struct {
	WalletAddress string  `json:"walletAddress"`
	Signed        bool    `json:"signed"`
	SignedAt      *string `json:"signedAt"`
}

type verificationResponse struct {
	EnvelopeID   string              `json:"envelopeId"`
	AgreementID  string              `json:"agreementId"`
	DocumentHash string              `json:"documentHash"`
	Status       string              `json:"status"`
	CompletedAt  *string             `json:"completedAt"`
	AllSigned    bool                `json:"allSigned"`
	Signatures   []signatureResponse `json:"signatures"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func toSignerResponse(s agreement.Signer) signerResponse {
	return signerResponse{
		Name:          s.Name,
		Email:         s.Email,
		WalletAddress: s.WalletAddress,
		Status:        string(s.Status),
		SignedAt:      formatTime(s.SignedAt),
	}
}

func toAgreementResponse(a agreement.Agreement) agreementResponse {
	resp := agreementResponse{
		EnvelopeID:   a.ID,
		AgreementID:  a.AgreementID,
		Title:        a.Title,
		Message:      a.Message,
		DocumentHash: "0x" + hex.EncodeToString(a.DocumentHash),
		Status:       string(a.Status),
		CreatedAt:    a.CreatedAt.UTC().Format(time.RFC3339),
		CompletedAt:  formatTime(a.CompletedAt),
		Signers:      make([]signerResponse, 0, len(a.Signers)),
	}
	for _, s := range a.Signers {
		resp.Signers = append(resp.Signers, toSignerResponse(s))
	}
	return resp
}

func toVerificationResponse(rec agreement.VerificationRecord) verificationResponse {
	resp := verificationResponse{
		EnvelopeID:   rec.EnvelopeID,
		AgreementID:  rec.AgreementID,
		DocumentHash: "0x" + hex.EncodeToString(rec.DocumentHash),
		Status:       string(rec.Status),
		CompletedAt:  formatTime(rec.CompletedAt),
		AllSigned:    rec.AllSigned(),
		Signatures:   make([]signatureResponse, 0, len(rec.Signatures)),
	}
	for _, sig := range rec.Signatures {
		resp.Signatures = append(resp.Signatures, signatureResponse{
			WalletAddress: sig.WalletAddress,
			Signed:        sig.Signed,
			SignedAt:      formatTime(sig.SignedAt),
		})
	}
	return resp
}
