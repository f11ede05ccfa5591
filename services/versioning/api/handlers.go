// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the versioning engine over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/AleutianAI/stampvc/services/versioning/commit"
	"github.com/AleutianAI/stampvc/services/versioning/engine"
	"github.com/AleutianAI/stampvc/services/versioning/identity"
	"github.com/AleutianAI/stampvc/services/versioning/stamp"
	"github.com/AleutianAI/stampvc/services/versioning/taxonomy"
	"github.com/AleutianAI/stampvc/services/versioning/telemetry"
	"github.com/AleutianAI/stampvc/services/versioning/transaction"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultCommitLimit = 20
	maxCommitLimit     = 1000
)

// Versioning is the engine surface the handlers use. *engine.Engine
// implements it.
type Versioning interface {
	Stamp(seq int32) (stamp.Stamp, error)
	StampCount() int
	Pending() []*transaction.Transaction
	CommitLog(ctx context.Context, limit int) ([]commit.CommitRecord, error)
	TaxonomySnapshot(premise taxonomy.Premise, at int64) (*taxonomy.Snapshot, error)
	IsConcept(nid int32) bool
	DefineConcept(ctx context.Context, def engine.Definition, comment string, opts ...commit.CommitOption) (int32, *commit.CommitRecord, error)
	Redefine(ctx context.Context, concept int32, def engine.Definition, comment string, opts ...commit.CommitOption) (*commit.CommitRecord, error)
	RetireConcept(ctx context.Context, concept int32, comment string, opts ...commit.CommitOption) (*commit.CommitRecord, error)
}

// Handlers holds the HTTP handlers.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives in the engine.
type Handlers struct {
	engine Versioning
	logger *slog.Logger
}

// NewHandlers creates handlers over v. A nil logger uses slog.Default().
func NewHandlers(v Versioning, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{engine: v, logger: logger.With("component", "api.Handlers")}
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	requestID := getOrCreateRequestID(c)
	return telemetry.LoggerWithTrace(c.Request.Context(), h.logger).
		With("request_id", requestID, "handler", handler)
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

func badRequest(c *gin.Context, code, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: code})
}

func parseNid(c *gin.Context) (int32, bool) {
	n, err := strconv.ParseInt(c.Param("nid"), 10, 32)
	if err != nil || n >= 0 {
		badRequest(c, "INVALID_NID", "nid must be a negative 32-bit integer")
		return 0, false
	}
	return int32(n), true
}

// HandleHealth handles GET /v1/versioning/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	getOrCreateRequestID(c)
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
		Stamps:  h.engine.StampCount(),
		Pending: len(h.engine.Pending()),
	})
}

// HandleStamp handles GET /v1/versioning/stamps/:seq.
//
// Response:
//
//	200 OK: StampResponse
//	400 Bad Request: seq is not a positive integer
//	404 Not Found: seq was never issued
func (h *Handlers) HandleStamp(c *gin.Context) {
	logger := h.requestLogger(c, "HandleStamp")

	seq, err := strconv.ParseInt(c.Param("seq"), 10, 32)
	if err != nil || seq <= 0 {
		badRequest(c, "INVALID_SEQUENCE", "stamp sequence must be a positive integer")
		return
	}
	s, err := h.engine.Stamp(int32(seq))
	if err != nil {
		logger.Debug("stamp not found", "seq", seq)
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "STAMP_NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, NewStampResponse(int32(seq), s))
}

// HandleTransactions handles GET /v1/versioning/transactions.
func (h *Handlers) HandleTransactions(c *gin.Context) {
	pending := h.engine.Pending()
	resp := TransactionsResponse{Transactions: make([]TransactionResponse, 0, len(pending))}
	for _, tx := range pending {
		resp.Transactions = append(resp.Transactions, newTransactionResponse(tx))
	}
	c.JSON(http.StatusOK, resp)
}

// HandleCommits handles GET /v1/versioning/commits.
//
// Query Parameters:
//
//	limit - Records to return, newest first. Default 20, at most 1000.
func (h *Handlers) HandleCommits(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCommits")

	limit := defaultCommitLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxCommitLimit {
			badRequest(c, "INVALID_LIMIT", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	records, err := h.engine.CommitLog(c.Request.Context(), limit)
	if err != nil {
		logger.Error("read commit log", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to read commit log", Code: "STORAGE_ERROR", Details: err.Error()})
		return
	}
	resp := CommitsResponse{Commits: make([]CommitResponse, 0, len(records))}
	for _, r := range records {
		resp.Commits = append(resp.Commits, NewCommitResponse(r))
	}
	c.JSON(http.StatusOK, resp)
}

// HandleTaxonomy handles GET /v1/versioning/taxonomy/:nid.
//
// Query Parameters:
//
//	premise - "stated" (default) or "inferred"
//	time - Epoch milliseconds to view at. Omitted means latest.
//
// Response:
//
//	200 OK: TaxonomyResponse
//	404 Not Found: nid is not a concept
//	503 Service Unavailable: taxonomy accumulation is disabled
func (h *Handlers) HandleTaxonomy(c *gin.Context) {
	logger := h.requestLogger(c, "HandleTaxonomy")

	nid, ok := parseNid(c)
	if !ok {
		return
	}
	premise, err := taxonomy.ParsePremise(c.Query("premise"))
	if err != nil {
		badRequest(c, "INVALID_PREMISE", err.Error())
		return
	}
	var at int64
	if raw := c.Query("time"); raw != "" {
		at, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || at <= 0 {
			badRequest(c, "INVALID_TIME", "time must be positive epoch milliseconds")
			return
		}
	}
	if !h.engine.IsConcept(nid) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "concept not found", Code: "CONCEPT_NOT_FOUND"})
		return
	}

	snap, err := h.engine.TaxonomySnapshot(premise, at)
	if errors.Is(err, engine.ErrTaxonomyDisabled) {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "TAXONOMY_DISABLED"})
		return
	}
	if err != nil {
		logger.Error("build snapshot", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to build snapshot", Code: "INTERNAL_ERROR", Details: err.Error()})
		return
	}

	ctx := c.Request.Context()
	resp := TaxonomyResponse{Nid: nid, Premise: premise.String(), Time: at}
	if resp.Active, err = snap.IsActive(ctx, nid); err == nil {
		if resp.Parents, err = snap.Parents(ctx, nid); err == nil {
			if resp.Children, err = snap.Children(ctx, nid); err == nil {
				resp.Roles, err = snap.Roles(ctx, nid)
			}
		}
	}
	if err != nil {
		logger.Error("read taxonomy", "nid", nid, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to read taxonomy", Code: "STORAGE_ERROR", Details: err.Error()})
		return
	}
	if resp.Parents == nil {
		resp.Parents = []int32{}
	}
	if resp.Children == nil {
		resp.Children = []int32{}
	}
	if resp.Roles == nil {
		resp.Roles = []taxonomy.Relationship{}
	}
	c.JSON(http.StatusOK, resp)
}

// HandleDefineConcept handles POST /v1/versioning/concepts.
//
// An empty parents list creates a primitive concept.
//
// Response:
//
//	201 Created: ConceptCommitResponse
//	400 Bad Request: malformed body or roles without parents
//	422 Unprocessable Entity: vetoed by a change checker
func (h *Handlers) HandleDefineConcept(c *gin.Context) {
	logger := h.requestLogger(c, "HandleDefineConcept")

	var req DefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_REQUEST", err.Error())
		return
	}
	def := engine.Definition{Parents: req.Parents, Roles: req.Roles}
	nid, rec, err := h.engine.DefineConcept(c.Request.Context(), def, req.Comment)
	if err != nil {
		h.writeEditError(c, logger, err)
		return
	}
	logger.Info("concept defined", "nid", nid, "commit_time", rec.CommitTime)
	c.JSON(http.StatusCreated, ConceptCommitResponse{Nid: nid, Commit: NewCommitResponse(*rec)})
}

// HandleRedefineConcept handles PUT /v1/versioning/concepts/:nid.
func (h *Handlers) HandleRedefineConcept(c *gin.Context) {
	logger := h.requestLogger(c, "HandleRedefineConcept")

	nid, ok := parseNid(c)
	if !ok {
		return
	}
	var req DefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_REQUEST", err.Error())
		return
	}
	rec, err := h.engine.Redefine(c.Request.Context(), nid, engine.Definition{Parents: req.Parents, Roles: req.Roles}, req.Comment)
	if err != nil {
		h.writeEditError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, ConceptCommitResponse{Nid: nid, Commit: NewCommitResponse(*rec)})
}

// HandleRetireConcept handles DELETE /v1/versioning/concepts/:nid. The
// concept stays readable at earlier times.
func (h *Handlers) HandleRetireConcept(c *gin.Context) {
	logger := h.requestLogger(c, "HandleRetireConcept")

	nid, ok := parseNid(c)
	if !ok {
		return
	}
	var req RetireRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "INVALID_REQUEST", err.Error())
		return
	}
	rec, err := h.engine.RetireConcept(c.Request.Context(), nid, req.Comment)
	if err != nil {
		h.writeEditError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, ConceptCommitResponse{Nid: nid, Commit: NewCommitResponse(*rec)})
}

func (h *Handlers) writeEditError(c *gin.Context, logger *slog.Logger, err error) {
	var veto *commit.VetoError
	switch {
	case errors.As(err, &veto):
		logger.Info("edit vetoed", "alerts", len(veto.Alerts))
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:  err.Error(),
			Code:   "COMMIT_VETOED",
			Alerts: newAlertResponses(veto.Alerts),
		})
	case errors.Is(err, engine.ErrNoParents):
		badRequest(c, "NO_PARENTS", err.Error())
	case errors.Is(err, engine.ErrNotConcept), errors.Is(err, identity.ErrUnknownNid):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "CONCEPT_NOT_FOUND"})
	case errors.Is(err, engine.ErrClosed), errors.Is(err, commit.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "SHUTTING_DOWN"})
	default:
		logger.Error("edit failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "commit failed", Code: "COMMIT_FAILED", Details: err.Error()})
	}
}
