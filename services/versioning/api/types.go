// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"time"

	"github.com/AleutianAI/stampvc/services/versioning/commit"
	"github.com/AleutianAI/stampvc/services/versioning/stamp"
	"github.com/AleutianAI/stampvc/services/versioning/taxonomy"
	"github.com/AleutianAI/stampvc/services/versioning/transaction"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.1.0"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`

	// Alerts lists checker findings when a commit was vetoed.
	Alerts []AlertResponse `json:"alerts,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Stamps  int    `json:"stamps"`
	Pending int    `json:"pending_transactions"`
}

// StampResponse describes one stamp.
type StampResponse struct {
	Sequence  int32  `json:"sequence"`
	Status    string `json:"status"`
	Time      int64  `json:"time"`
	AuthorNid int32  `json:"author_nid"`
	ModuleNid int32  `json:"module_nid"`
	PathNid   int32  `json:"path_nid"`

	// Uncommitted and Canceled flag the sentinel times.
	Uncommitted bool `json:"uncommitted,omitempty"`
	Canceled    bool `json:"canceled,omitempty"`
}

// NewStampResponse describes s issued at seq.
func NewStampResponse(seq int32, s stamp.Stamp) StampResponse {
	return StampResponse{
		Sequence:    seq,
		Status:      s.Status.String(),
		Time:        s.Time,
		AuthorNid:   s.AuthorNid,
		ModuleNid:   s.ModuleNid,
		PathNid:     s.PathNid,
		Uncommitted: s.IsUncommitted(),
		Canceled:    s.IsCanceled(),
	}
}

// TransactionResponse describes one open transaction.
type TransactionResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	State          string    `json:"state"`
	CheckerMode    string    `json:"checker_mode"`
	CreatedAt      time.Time `json:"created_at"`
	StampSequences []int32   `json:"stamp_sequences"`
	ComponentNids  []int32   `json:"component_nids"`
}

func newTransactionResponse(tx *transaction.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:             tx.ID().String(),
		Name:           tx.Name(),
		State:          tx.State().String(),
		CheckerMode:    tx.CheckerMode().String(),
		CreatedAt:      tx.CreatedAt(),
		StampSequences: tx.StampsForTransaction(),
		ComponentNids:  tx.ComponentNids(),
	}
}

// TransactionsResponse is returned by GET /transactions.
type TransactionsResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
}

// CommitResponse describes one commit record.
type CommitResponse struct {
	CommitTime      int64               `json:"commit_time"`
	StampSequences  []int32             `json:"stamp_sequences"`
	AliasPairs      []AliasPairResponse `json:"alias_pairs,omitempty"`
	ConceptNids     []int32             `json:"concept_nids,omitempty"`
	SemanticNids    []int32             `json:"semantic_nids,omitempty"`
	Comment         string              `json:"comment,omitempty"`
	TransactionName string              `json:"transaction_name,omitempty"`
	TransactionID   string              `json:"transaction_id"`
}

// AliasPairResponse is one stamp alias recorded by a commit.
type AliasPairResponse struct {
	StampSequence int32 `json:"stamp_sequence"`
	Alias         int32 `json:"alias"`
}

// NewCommitResponse converts a commit record for JSON output.
func NewCommitResponse(r commit.CommitRecord) CommitResponse {
	resp := CommitResponse{
		CommitTime:      r.CommitTime,
		StampSequences:  r.StampSequences,
		ConceptNids:     r.ConceptNids,
		SemanticNids:    r.SemanticNids,
		Comment:         r.Comment,
		TransactionName: r.TransactionName,
		TransactionID:   r.TransactionID.String(),
	}
	for _, p := range r.AliasPairs {
		resp.AliasPairs = append(resp.AliasPairs, AliasPairResponse{StampSequence: p.StampSequence, Alias: p.Alias})
	}
	return resp
}

// CommitsResponse is returned by GET /commits, newest first.
type CommitsResponse struct {
	Commits []CommitResponse `json:"commits"`
}

// AlertResponse is one change checker finding.
type AlertResponse struct {
	Type          string `json:"type"`
	Checker       string `json:"checker"`
	Message       string `json:"message"`
	ComponentNid  int32  `json:"component_nid,omitempty"`
	StampSequence int32  `json:"stamp_sequence,omitempty"`
}

func newAlertResponses(alerts []commit.Alert) []AlertResponse {
	out := make([]AlertResponse, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, AlertResponse{
			Type:          a.Type.String(),
			Checker:       a.Checker,
			Message:       a.Message,
			ComponentNid:  a.ComponentNid,
			StampSequence: a.StampSequence,
		})
	}
	return out
}

// TaxonomyResponse is the taxonomy view of one concept.
type TaxonomyResponse struct {
	Nid      int32                   `json:"nid"`
	Premise  string                  `json:"premise"`
	Time     int64                   `json:"time,omitempty"`
	Active   bool                    `json:"active"`
	Parents  []int32                 `json:"parents"`
	Children []int32                 `json:"children"`
	Roles    []taxonomy.Relationship `json:"roles"`
}

// DefinitionRequest is the body of concept create and redefine calls.
type DefinitionRequest struct {
	Parents []int32                 `json:"parents"`
	Roles   []taxonomy.Relationship `json:"roles"`
	Comment string                  `json:"comment"`
}

// RetireRequest is the optional body of DELETE /concepts/:nid.
type RetireRequest struct {
	Comment string `json:"comment"`
}

// ConceptCommitResponse is returned by concept edits.
type ConceptCommitResponse struct {
	Nid    int32          `json:"nid"`
	Commit CommitResponse `json:"commit"`
}
