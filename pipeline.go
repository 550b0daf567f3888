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

package fabrik

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/fabrikhq/fabrik/config"
	"github.com/fabrikhq/fabrik/internal/apierror"
	"github.com/fabrikhq/fabrik/internal/notification"
	"github.com/fabrikhq/fabrik/model"
)

var tracer = otel.Tracer("fabrik.pipeline")

const (
	// conflictRetryAttempts bounds how often a version-guarded update is
	// retried after losing a race to a concurrent writer.
	conflictRetryAttempts = 3
	conflictRetryInterval = 50 * time.Millisecond

	// stageDuration is the planning estimate per stage used to derive the
	// estimated completion time of a pipeline.
	stageDuration = 24 * time.Hour
)

// retryOnConflict runs op, re-running it a bounded number of times while it
// keeps failing with a version Conflict. Any other error aborts immediately.
// op re-reads the pipeline on each attempt, so a retry observes the state the
// concurrent writer left behind.
func retryOnConflict(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(conflictRetryInterval), conflictRetryAttempts), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if apierror.Is(err, apierror.ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// statusCacheKey is the cache key of the lightweight pipeline status view.
// The key carries the owning brand so a cached view can never be served
// across tenants.
func statusCacheKey(brandID, pipelineID string) string {
	return fmt.Sprintf("pipeline:status:%s:%s", brandID, pipelineID)
}

// invalidateStatusCache drops the cached status view of a pipeline. Cache
// trouble is logged, never propagated.
func (f *Fabrik) invalidateStatusCache(ctx context.Context, brandID, pipelineID string) {
	if f.cache == nil {
		return
	}
	if err := f.cache.Delete(ctx, statusCacheKey(brandID, pipelineID)); err != nil {
		logrus.Warnf("failed to invalidate status cache for %s: %v", pipelineID, err)
	}
}

// CreatePipeline creates a fulfillment pipeline for a paid order. The call is
// idempotent per order: if the order already has a pipeline it is returned,
// and a pipeline still sitting in CREATED has its start sequence resumed. A
// new pipeline starts in the first stage of its plan and is immediately moved
// to IN_PROGRESS; the initial transition and the first stage task are
// recorded along the way.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - order *model.Order: The paid order the pipeline fulfils.
// - stages []string: The ordered stage plan; empty selects the plan from the order items.
//
// Returns:
// - *model.Pipeline: The created (or pre-existing) pipeline.
// - error: An error if the order is not fulfillable or persistence fails.
func (f *Fabrik) CreatePipeline(ctx context.Context, order *model.Order, stages []string) (*model.Pipeline, error) {
	ctx, span := tracer.Start(ctx, "CreatePipeline")
	defer span.End()

	if !order.IsPaid() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidOrderState, fmt.Sprintf("Order '%s' is not paid", order.OrderID), nil)
	}

	existing, err := f.datasource.GetPipelineByOrderID(ctx, order.OrderID, order.BrandID)
	if err == nil {
		if existing.Status == model.StatusCreated {
			// A previous create persisted the row but never finished
			// the start sequence. Pick it up where it stopped so the
			// order does not stay stuck in CREATED.
			if startErr := f.startPipeline(ctx, existing); startErr != nil {
				if apierror.Is(startErr, apierror.ErrConflict) {
					return f.datasource.GetPipelineByOrderID(ctx, order.OrderID, order.BrandID)
				}
				return nil, startErr
			}
		}
		return existing, nil
	}
	if !apierror.Is(err, apierror.ErrNotFound) {
		return nil, err
	}

	if len(stages) == 0 {
		stages = stagePlanFor(order)
	}
	if len(stages) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Stage plan cannot be empty", nil)
	}

	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	estimated := time.Now().Add(time.Duration(len(stages)) * stageDuration)
	pipeline, err := f.datasource.CreatePipeline(ctx, model.Pipeline{
		OrderID:             order.OrderID,
		BrandID:             order.BrandID,
		Stages:              stages,
		CurrentStage:        stages[0],
		Status:              model.StatusCreated,
		Progress:            model.ProgressOf(stages, stages[0]),
		Version:             0,
		MetaData:            pipelineMetadata(order, cnf),
		EstimatedCompletion: &estimated,
	})
	if err != nil {
		if apierror.Is(err, apierror.ErrConflict) {
			// Lost the creation race: another writer created the
			// pipeline for this order first. Return theirs.
			return f.datasource.GetPipelineByOrderID(ctx, order.OrderID, order.BrandID)
		}
		return nil, err
	}

	if err := f.startPipeline(ctx, &pipeline); err != nil {
		return nil, err
	}

	return &pipeline, nil
}

// startPipeline runs the start sequence on a CREATED pipeline: the initial
// transition, the move to IN_PROGRESS and the first stage task. The sequence
// is re-runnable so a create that died halfway can be resumed on the next
// idempotent create of the same order.
func (f *Fabrik) startPipeline(ctx context.Context, pipeline *model.Pipeline) error {
	if err := f.datasource.RecordTransition(ctx, &model.Transition{
		PipelineID: pipeline.PipelineID,
		FromStage:  "",
		ToStage:    pipeline.CurrentStage,
		Reason:     "pipeline created",
	}); err != nil {
		return err
	}

	now := time.Now()
	pipeline.Status = model.StatusInProgress
	pipeline.StartedAt = &now
	if err := f.datasource.UpdatePipeline(ctx, pipeline, pipeline.Version); err != nil {
		return err
	}

	if err := f.queue.EnqueueStage(ctx, pipeline.PipelineID, pipeline.CurrentStage, 0); err != nil {
		notification.NotifyError(err)
		return err
	}

	f.publishEvent(ctx, model.PipelineEvent{
		Event:      model.EventStageStarted,
		PipelineID: pipeline.PipelineID,
		OrderID:    pipeline.OrderID,
		BrandID:    pipeline.BrandID,
		Stage:      pipeline.CurrentStage,
	})

	return nil
}

// stagePlanFor selects the stage plan matching an order's items. Orders made
// up entirely of digital items skip the physical production and shipping
// stages.
func stagePlanFor(order *model.Order) []string {
	if order.AllDigital() {
		return model.DigitalStages()
	}
	return model.DefaultStages()
}

// pipelineMetadata derives the bookkeeping metadata a new pipeline carries.
func pipelineMetadata(order *model.Order, cnf *config.Configuration) map[string]interface{} {
	fulfillmentType := model.FulfillmentTypePOD
	if order.AllDigital() {
		fulfillmentType = model.FulfillmentTypeDigital
	}
	return map[string]interface{}{
		"fulfillment_type":       fulfillmentType,
		"quality_check_required": order.TotalCents() >= cnf.Pipeline.QualityCheckThresholdCents,
	}
}

// AdvanceStage moves a pipeline forward to the next stage of its plan, or to
// an explicitly named later stage. Advancing past the final stage completes
// the pipeline. The update is guarded by the pipeline's version counter and
// retried a bounded number of times when a concurrent writer wins the race.
//
// Advancing a terminal pipeline is a no-op; advancing backwards or to the
// current stage is a no-op as well, which makes redelivered stage tasks safe.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - pipelineID string: The ID of the pipeline to advance.
// - toStage string: The stage to advance to; empty selects the next stage of the plan.
//
// Returns:
// - *model.Pipeline: The pipeline after the transition.
// - error: An error if the pipeline is unknown, the stage invalid, or persistence fails.
func (f *Fabrik) AdvanceStage(ctx context.Context, pipelineID, toStage string) (*model.Pipeline, error) {
	ctx, span := tracer.Start(ctx, "AdvanceStage")
	defer span.End()

	var result *model.Pipeline
	err := retryOnConflict(ctx, func() error {
		pipeline, err := f.datasource.GetPipelineByID(ctx, pipelineID)
		if err != nil {
			return err
		}

		if pipeline.IsTerminal() {
			result = pipeline
			return nil
		}

		fromStage := pipeline.CurrentStage
		target := toStage
		if target == "" {
			next, ok := model.NextStage(pipeline.Stages, fromStage)
			if !ok {
				completed, err := f.completePipeline(ctx, pipeline)
				if err != nil {
					return err
				}
				result = completed
				return nil
			}
			target = next
		} else {
			if !pipeline.HasStage(target) {
				return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Stage '%s' is not part of the pipeline plan", target), nil)
			}
			if pipeline.StageIndex(target) <= pipeline.StageIndex(fromStage) {
				// Stale or duplicate advancement request.
				result = pipeline
				return nil
			}
		}

		pipeline.CurrentStage = target
		pipeline.Status = model.StatusInProgress
		pipeline.Progress = model.ProgressOf(pipeline.Stages, target)
		if err := f.datasource.UpdatePipeline(ctx, pipeline, pipeline.Version); err != nil {
			return err
		}

		if err := f.datasource.RecordTransition(ctx, &model.Transition{
			PipelineID: pipeline.PipelineID,
			FromStage:  fromStage,
			ToStage:    target,
			Reason:     "stage completed",
		}); err != nil {
			return err
		}
		if err := f.datasource.ResolvePipelineErrors(ctx, pipeline.PipelineID); err != nil {
			logrus.Warnf("failed to resolve errors for pipeline %s: %v", pipeline.PipelineID, err)
		}
		f.invalidateStatusCache(ctx, pipeline.BrandID, pipeline.PipelineID)

		if err := f.queue.EnqueueStage(ctx, pipeline.PipelineID, target, 0); err != nil {
			notification.NotifyError(err)
		}

		f.publishEvent(ctx, model.PipelineEvent{
			Event:      model.EventStageAdvanced,
			PipelineID: pipeline.PipelineID,
			OrderID:    pipeline.OrderID,
			BrandID:    pipeline.BrandID,
			FromStage:  fromStage,
			ToStage:    target,
		})
		f.publishEvent(ctx, model.PipelineEvent{
			Event:      model.EventStageStarted,
			PipelineID: pipeline.PipelineID,
			OrderID:    pipeline.OrderID,
			BrandID:    pipeline.BrandID,
			Stage:      target,
		})

		result = pipeline
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CompletePipeline marks a pipeline as successfully completed.
// Completing an already completed pipeline is a no-op.
func (f *Fabrik) CompletePipeline(ctx context.Context, pipelineID string) (*model.Pipeline, error) {
	ctx, span := tracer.Start(ctx, "CompletePipeline")
	defer span.End()

	var result *model.Pipeline
	err := retryOnConflict(ctx, func() error {
		pipeline, err := f.datasource.GetPipelineByID(ctx, pipelineID)
		if err != nil {
			return err
		}
		completed, err := f.completePipeline(ctx, pipeline)
		if err != nil {
			return err
		}
		result = completed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// completePipeline applies the terminal COMPLETED state to a loaded pipeline.
func (f *Fabrik) completePipeline(ctx context.Context, pipeline *model.Pipeline) (*model.Pipeline, error) {
	if pipeline.Status == model.StatusCompleted {
		return pipeline, nil
	}
	if pipeline.Status == model.StatusCancelled {
		return nil, apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Pipeline '%s' has been cancelled", pipeline.PipelineID), nil)
	}

	fromStage := pipeline.CurrentStage
	now := time.Now()
	pipeline.Status = model.StatusCompleted
	pipeline.CurrentStage = model.StageCompleted
	pipeline.Progress = 100
	pipeline.CompletedAt = &now
	if err := f.datasource.UpdatePipeline(ctx, pipeline, pipeline.Version); err != nil {
		return nil, err
	}

	if err := f.datasource.RecordTransition(ctx, &model.Transition{
		PipelineID: pipeline.PipelineID,
		FromStage:  fromStage,
		ToStage:    model.StageCompleted,
		Reason:     "pipeline completed",
	}); err != nil {
		return nil, err
	}
	f.invalidateStatusCache(ctx, pipeline.BrandID, pipeline.PipelineID)

	f.publishEvent(ctx, model.PipelineEvent{
		Event:      model.EventPipelineCompleted,
		PipelineID: pipeline.PipelineID,
		OrderID:    pipeline.OrderID,
		BrandID:    pipeline.BrandID,
	})
	return pipeline, nil
}

// FailPipeline marks a pipeline as failed at its current stage and records the
// failure in the error log. Recording the error is best effort: a broken error
// log never blocks the transition to FAILED.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - pipelineID string: The ID of the pipeline to fail.
// - reason string: A human readable description of the failure.
//
// Returns:
// - *model.Pipeline: The failed pipeline.
// - error: An InvalidState error when the pipeline is already terminal.
func (f *Fabrik) FailPipeline(ctx context.Context, pipelineID, reason string) (*model.Pipeline, error) {
	ctx, span := tracer.Start(ctx, "FailPipeline")
	defer span.End()

	var result *model.Pipeline
	err := retryOnConflict(ctx, func() error {
		pipeline, err := f.datasource.GetPipelineByID(ctx, pipelineID)
		if err != nil {
			return err
		}
		if pipeline.IsTerminal() {
			return apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Pipeline '%s' is already in a terminal state", pipeline.PipelineID), nil)
		}

		now := time.Now()
		pipeline.Status = model.StatusFailed
		pipeline.FailedAt = &now
		if err := f.datasource.UpdatePipeline(ctx, pipeline, pipeline.Version); err != nil {
			return err
		}

		if err := f.datasource.RecordPipelineError(ctx, &model.PipelineError{
			PipelineID: pipeline.PipelineID,
			Stage:      pipeline.CurrentStage,
			Message:    reason,
		}); err != nil {
			notification.NotifyError(err)
			logrus.Warnf("failed to record error for pipeline %s: %v", pipeline.PipelineID, err)
		}
		f.invalidateStatusCache(ctx, pipeline.BrandID, pipeline.PipelineID)

		f.publishEvent(ctx, model.PipelineEvent{
			Event:      model.EventPipelineFailed,
			PipelineID: pipeline.PipelineID,
			OrderID:    pipeline.OrderID,
			BrandID:    pipeline.BrandID,
			Stage:      pipeline.CurrentStage,
			Reason:     reason,
		})

		result = pipeline
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RetryStage re-runs the current stage of a failed pipeline. Retries are
// bounded by the configured maximum; once exhausted the pipeline stays failed
// and manual intervention is required. A successful retry resolves the open
// error records, moves the pipeline back to IN_PROGRESS and re-enqueues the
// stage after the configured delay.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - pipelineID string: The ID of the failed pipeline.
//
// Returns:
// - *model.Pipeline: The pipeline after the retry was scheduled.
// - error: InvalidState when the pipeline is not FAILED, RetriesExhausted when the budget is spent.
func (f *Fabrik) RetryStage(ctx context.Context, pipelineID string) (*model.Pipeline, error) {
	ctx, span := tracer.Start(ctx, "RetryStage")
	defer span.End()

	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	var result *model.Pipeline
	err = retryOnConflict(ctx, func() error {
		pipeline, err := f.datasource.GetPipelineByID(ctx, pipelineID)
		if err != nil {
			return err
		}
		if pipeline.Status != model.StatusFailed {
			return apierror.NewAPIError(apierror.ErrInvalidState, fmt.Sprintf("Pipeline '%s' is not in a failed state", pipeline.PipelineID), nil)
		}

		retries, err := f.datasource.CountPipelineRetries(ctx, pipeline.PipelineID)
		if err != nil {
			return err
		}
		if retries >= int64(cnf.Pipeline.MaxRetries) {
			return apierror.NewAPIError(apierror.ErrRetriesExhausted, fmt.Sprintf("Pipeline '%s' has exhausted its retry budget", pipeline.PipelineID), nil)
		}

		pipeline.Status = model.StatusInProgress
		pipeline.FailedAt = nil
		if err := f.datasource.UpdatePipeline(ctx, pipeline, pipeline.Version); err != nil {
			return err
		}

		if err := f.datasource.RecordTransition(ctx, &model.Transition{
			PipelineID: pipeline.PipelineID,
			FromStage:  pipeline.CurrentStage,
			ToStage:    pipeline.CurrentStage,
			Reason:     "stage retried",
			Retry:      true,
		}); err != nil {
			return err
		}
		if err := f.datasource.ResolvePipelineErrors(ctx, pipeline.PipelineID); err != nil {
			logrus.Warnf("failed to resolve errors for pipeline %s: %v", pipeline.PipelineID, err)
		}
		f.invalidateStatusCache(ctx, pipeline.BrandID, pipeline.PipelineID)

		delay := time.Duration(cnf.Pipeline.RetryDelayMs) * time.Millisecond
		if err := f.queue.EnqueueStage(ctx, pipeline.PipelineID, pipeline.CurrentStage, delay); err != nil {
			notification.NotifyError(err)
			return err
		}

		f.publishEvent(ctx, model.PipelineEvent{
			Event:      model.EventStageStarted,
			PipelineID: pipeline.PipelineID,
			OrderID:    pipeline.OrderID,
			BrandID:    pipeline.BrandID,
			Stage:      pipeline.CurrentStage,
			Retry:      true,
		})

		result = pipeline
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CancelPipeline cancels an active pipeline. Cancellation is terminal and
// cannot be retried or resumed.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - pipelineID string: The ID of the pipeline to cancel.
// - reason string: Why the pipeline was cancelled.
//
// Returns:
// - *model.Pipeline: The cancelled pipeline.
// - error: An InvalidState error when the pipeline is already terminal.
func (f *Fabrik) CancelPipeline(ctx context.Context, pipelineID, reason string) (*model.Pipeline, error) {
	ctx, span := tracer.Start(ctx, "CancelPipeline")
	defer span.End()

	var result *model.Pipeline
	err := retryOnConflict(ctx, func() error {
		pipeline, err := f.datasource.GetPipelineByID(ctx, pipelineID)
		if err != nil {
			return err
		}
		if pipeline.IsTerminal() {
			return apierror.NewAPIError(apierror.ErrInvalidState, "Cannot cancel pipeline", nil)
		}

		fromStage := pipeline.CurrentStage
		now := time.Now()
		pipeline.Status = model.StatusCancelled
		pipeline.CancelledAt = &now
		if err := f.datasource.UpdatePipeline(ctx, pipeline, pipeline.Version); err != nil {
			return err
		}

		if err := f.datasource.RecordTransition(ctx, &model.Transition{
			PipelineID: pipeline.PipelineID,
			FromStage:  fromStage,
			ToStage:    model.StageCancelled,
			Reason:     reason,
		}); err != nil {
			return err
		}
		f.invalidateStatusCache(ctx, pipeline.BrandID, pipeline.PipelineID)

		f.publishEvent(ctx, model.PipelineEvent{
			Event:      model.EventPipelineCancelled,
			PipelineID: pipeline.PipelineID,
			OrderID:    pipeline.OrderID,
			BrandID:    pipeline.BrandID,
			Reason:     reason,
		})

		result = pipeline
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetPipeline retrieves a pipeline by ID scoped to a brand. A pipeline owned
// by another brand reads as not found.
func (f *Fabrik) GetPipeline(ctx context.Context, pipelineID, brandID string) (*model.Pipeline, error) {
	ctx, span := tracer.Start(ctx, "GetPipeline")
	defer span.End()

	pipeline, err := f.datasource.GetPipelineByID(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if pipeline.BrandID != brandID {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Pipeline with ID '%s' not found", pipelineID), nil)
	}
	return pipeline, nil
}

// GetPipelineStatus returns the lightweight status view of a pipeline. The
// view is served from cache when possible and repopulated on a miss.
func (f *Fabrik) GetPipelineStatus(ctx context.Context, pipelineID, brandID string) (*model.PipelineView, error) {
	ctx, span := tracer.Start(ctx, "GetPipelineStatus")
	defer span.End()

	if f.cache != nil {
		var view model.PipelineView
		if err := f.cache.Get(ctx, statusCacheKey(brandID, pipelineID), &view); err == nil && view.Status != "" {
			return &view, nil
		}
	}

	pipeline, err := f.GetPipeline(ctx, pipelineID, brandID)
	if err != nil {
		return nil, err
	}

	view := pipeline.View()
	if f.cache != nil {
		if err := f.cache.Set(ctx, statusCacheKey(brandID, pipelineID), view, 5*time.Minute); err != nil {
			logrus.Warnf("failed to cache status for pipeline %s: %v", pipelineID, err)
		}
	}
	return &view, nil
}

// GetPipelinesByBrand lists a brand's pipelines, optionally filtered by status.
func (f *Fabrik) GetPipelinesByBrand(ctx context.Context, brandID, status string, limit, offset int) ([]model.Pipeline, error) {
	ctx, span := tracer.Start(ctx, "GetPipelinesByBrand")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	return f.datasource.GetPipelinesByBrand(ctx, brandID, status, limit, offset)
}

// GetPipelineTransitions returns the transition history of a brand's pipeline.
func (f *Fabrik) GetPipelineTransitions(ctx context.Context, pipelineID, brandID string) ([]model.Transition, error) {
	if _, err := f.GetPipeline(ctx, pipelineID, brandID); err != nil {
		return nil, err
	}
	return f.datasource.GetPipelineTransitions(ctx, pipelineID)
}

// GetPipelineErrors returns the error log of a brand's pipeline.
func (f *Fabrik) GetPipelineErrors(ctx context.Context, pipelineID, brandID string) ([]model.PipelineError, error) {
	if _, err := f.GetPipeline(ctx, pipelineID, brandID); err != nil {
		return nil, err
	}
	return f.datasource.GetPipelineErrors(ctx, pipelineID)
}
