// Package sched implements the generation request scheduling core:
// admission control, priority lanes, capacity-aware dispatch across
// model instances, and instance health tracking.
package sched

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders generation requests into dispatch lanes.
// Higher values are drained first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// prioritiesDesc lists all priorities in strict dispatch order.
var prioritiesDesc = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a wire-level priority name to a Priority.
// Unknown or empty names default to PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Status is the lifecycle state of a generation request as reported
// to callers.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCached     Status = "cached"
)

// GenerationRequest is a single admitted unit of generation work.
// It is immutable after submission; terminal outcomes live in the
// result store, not on the request.
type GenerationRequest struct {
	ID                string
	UserID            int64
	Prompt            string
	Model             string
	System            string
	Priority          Priority
	Template          string
	Tier              string // free, premium, enterprise
	Fingerprint       string
	CreatedAt         time.Time
	EstimatedDuration time.Duration
}

// DefaultEstimatedDuration is assumed when the caller provides no estimate.
const DefaultEstimatedDuration = 60 * time.Second

// NewGenerationRequest builds a request with a fresh ID and a content
// fingerprint derived from (prompt, model, template).
func NewGenerationRequest(userID int64, prompt, model string, priority Priority, template, tier string) *GenerationRequest {
	return &GenerationRequest{
		ID:                uuid.NewString(),
		UserID:            userID,
		Prompt:            prompt,
		Model:             model,
		Priority:          priority,
		Template:          template,
		Tier:              tier,
		Fingerprint:       Fingerprint(prompt, model, template),
		CreatedAt:         time.Now(),
		EstimatedDuration: DefaultEstimatedDuration,
	}
}

// Fingerprint returns the deterministic content hash identifying
// cache-equivalent requests. It is a pure function of its arguments:
// two logically identical requests collide regardless of submission time.
func Fingerprint(prompt, model, template string) string {
	sum := sha256.Sum256([]byte(prompt + ":" + model + ":" + template))
	return hex.EncodeToString(sum[:])
}
