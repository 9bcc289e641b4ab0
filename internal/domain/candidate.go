// Package domain defines the knowledge engine's entities — Candidate,
// Recipe, Snippet, KnowledgeEdge, GuardViolation, AuditLog, and Session —
// as plain records with factory functions and narrow invariant-preserving
// mutation methods (spec.md §9: interfaces over inheritance).
package domain

import (
	"time"

	"github.com/knowledgeengine/core/internal/errs"
)

// CandidateStatus is the Candidate lifecycle state (spec.md §4.11).
type CandidateStatus string

const (
	CandidateStatusPending  CandidateStatus = "pending"
	CandidateStatusApproved CandidateStatus = "approved"
	CandidateStatusRejected CandidateStatus = "rejected"
	CandidateStatusApplied  CandidateStatus = "applied"
)

// candidateTransitions enumerates the legal Candidate state graph. Any
// transition not present here fails with errs.CodeConflict
// (InvalidStateTransition).
var candidateTransitions = map[CandidateStatus]map[CandidateStatus]bool{
	CandidateStatusPending:  {CandidateStatusApproved: true, CandidateStatusRejected: true},
	CandidateStatusApproved: {CandidateStatusApplied: true, CandidateStatusRejected: true},
}

// StatusTransition is one append-only entry in a Candidate's status_history.
type StatusTransition struct {
	From      CandidateStatus `json:"from"`
	To        CandidateStatus `json:"to"`
	Actor     string          `json:"actor"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason,omitempty"`
}

// Candidate is a proposed knowledge unit awaiting human review.
type Candidate struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Language string `json:"language"`
	Category string `json:"category"`
	Source   string `json:"source"` // bootstrap-scan|mcp|manual|cursor-scan|...
	Reasoning map[string]interface{} `json:"reasoning,omitempty"`

	Status        CandidateStatus    `json:"status"`
	StatusHistory []StatusTransition `json:"status_history"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`

	ApprovedBy *string    `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`

	RejectionReason *string `json:"rejection_reason,omitempty"`
	RejectedBy      *string `json:"rejected_by,omitempty"`

	AppliedRecipeID *string `json:"applied_recipe_id,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewCandidate constructs a pending Candidate with a fresh id.
func NewCandidate(id, code, language, category, source, createdBy string) *Candidate {
	now := time.Now().UTC()
	return &Candidate{
		ID:       id,
		Code:     code,
		Language: language,
		Category: category,
		Source:   source,
		Status:   CandidateStatusPending,
		StatusHistory: []StatusTransition{
			{From: "", To: CandidateStatusPending, Actor: createdBy, Timestamp: now},
		},
		CreatedBy: createdBy,
		CreatedAt: now,
	}
}

// Transition moves the candidate to `to`, recording the transition. It
// rejects any edge not present in candidateTransitions with
// errs.CodeConflict ("InvalidStateTransition").
func (c *Candidate) Transition(to CandidateStatus, actor, reason string) error {
	allowed := candidateTransitions[c.Status]
	if allowed == nil || !allowed[to] {
		return errs.Conflict("invalid state transition: %s -> %s", c.Status, to)
	}

	from := c.Status
	c.Status = to
	c.StatusHistory = append(c.StatusHistory, StatusTransition{
		From: from, To: to, Actor: actor, Timestamp: time.Now().UTC(), Reason: reason,
	})

	switch to {
	case CandidateStatusApproved:
		now := time.Now().UTC()
		c.ApprovedBy = &actor
		c.ApprovedAt = &now
	case CandidateStatusRejected:
		c.RejectedBy = &actor
		if reason != "" {
			c.RejectionReason = &reason
		}
	}
	return nil
}

// Apply promotes an approved candidate into a recipe, recording the
// resulting recipe id. Fails if the candidate is not in `approved` state.
func (c *Candidate) Apply(actor, recipeID string) error {
	if err := c.Transition(CandidateStatusApplied, actor, ""); err != nil {
		return err
	}
	c.AppliedRecipeID = &recipeID
	return nil
}

// ValidTransitions reports whether every recorded StatusTransition is a
// member of the declared state-machine edges (spec.md §8 invariant).
func ValidTransitions(history []StatusTransition) bool {
	for _, t := range history {
		if t.From == "" {
			continue // initial creation, not a transition
		}
		allowed := candidateTransitions[t.From]
		if allowed == nil || !allowed[t.To] {
			return false
		}
	}
	return true
}
