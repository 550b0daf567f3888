/*
Copyright 2025 Fabrik Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import "time"

const (
	StatusCreated    = "CREATED"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusCancelled  = "CANCELLED"
)

// Pipeline tracks one order's progress through its fulfillment stages.
// The stage list is captured at creation time so later changes to the default
// plan do not retroactively alter in-flight pipelines. Version is the
// optimistic-concurrency token: it increases by exactly one per accepted
// mutation, and stale writers are rejected by the store.
type Pipeline struct {
	PipelineID          string                 `json:"pipeline_id"`
	OrderID             string                 `json:"order_id"`
	BrandID             string                 `json:"brand_id"`
	Stages              []string               `json:"stages"`
	CurrentStage        string                 `json:"current_stage"`
	Status              string                 `json:"status"`
	Progress            int                    `json:"progress"`
	Version             int64                  `json:"version"`
	MetaData            map[string]interface{} `json:"meta_data,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
	StartedAt           *time.Time             `json:"started_at,omitempty"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty"`
	FailedAt            *time.Time             `json:"failed_at,omitempty"`
	CancelledAt         *time.Time             `json:"cancelled_at,omitempty"`
	EstimatedCompletion *time.Time             `json:"estimated_completion,omitempty"`
}

// Transition is an append-only record of a stage change. FromStage is empty
// for the initial entry. Transitions are never mutated or deleted.
type Transition struct {
	TransitionID string    `json:"transition_id"`
	PipelineID   string    `json:"pipeline_id"`
	FromStage    string    `json:"from_stage,omitempty"`
	ToStage      string    `json:"to_stage"`
	Reason       string    `json:"reason"`
	Retry        bool      `json:"retry"`
	CreatedAt    time.Time `json:"created_at"`
}

// PipelineError is an append-only record of a failure. ResolvedAt is set when
// a subsequent retry or advance succeeds.
type PipelineError struct {
	ErrorID    string     `json:"error_id"`
	PipelineID string     `json:"pipeline_id"`
	Stage      string     `json:"stage"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// PipelineView is the read-only projection returned to API callers.
type PipelineView struct {
	Status       string `json:"status"`
	CurrentStage string `json:"current_stage"`
	Progress     int    `json:"progress"`
	Version      int64  `json:"version"`
}

// IsTerminal reports whether the pipeline can no longer progress.
// FAILED is not terminal; it is recoverable via retry.
func (p *Pipeline) IsTerminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusCancelled
}

// HasStage reports whether stage is a member of the pipeline's stage plan.
func (p *Pipeline) HasStage(stage string) bool {
	for _, s := range p.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// StageIndex returns the position of stage in the plan, or -1 if absent.
func (p *Pipeline) StageIndex(stage string) int {
	for i, s := range p.Stages {
		if s == stage {
			return i
		}
	}
	return -1
}

// View builds the status projection of the pipeline.
func (p *Pipeline) View() PipelineView {
	return PipelineView{
		Status:       p.Status,
		CurrentStage: p.CurrentStage,
		Progress:     p.Progress,
		Version:      p.Version,
	}
}
