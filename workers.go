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
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/fabrikhq/fabrik/internal/apierror"
	"github.com/fabrikhq/fabrik/model"
)

// ProcessStageJob executes a stage task from the pipeline queue. The task is
// dropped silently when it is stale: the pipeline reached a terminal state or
// already moved past the stage named in the payload. Stage work that fails
// moves the pipeline to FAILED rather than erroring the task; recovery runs
// through the retry operation, not through asynq redelivery.
func (f *Fabrik) ProcessStageJob(ctx context.Context, task *asynq.Task) error {
	var payload StageJobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		log.Printf("Error unmarshaling stage task payload: %v", err)
		return err
	}

	pipeline, err := f.datasource.GetPipelineByID(ctx, payload.PipelineID)
	if err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			log.Printf("Dropping stage task for unknown pipeline %s", payload.PipelineID)
			return nil
		}
		return err
	}

	if pipeline.IsTerminal() || pipeline.Status == model.StatusFailed {
		return nil
	}
	if pipeline.CurrentStage != payload.Stage {
		// Stale delivery from before an advance or retry.
		return nil
	}

	proceed, err := f.executeStage(ctx, pipeline, payload.Stage)
	if err != nil {
		logrus.Errorf("stage %s failed for pipeline %s: %v", payload.Stage, pipeline.PipelineID, err)
		if _, failErr := f.FailPipeline(ctx, pipeline.PipelineID, err.Error()); failErr != nil {
			return failErr
		}
		return nil
	}
	if !proceed {
		// The stage completes through an external signal (production
		// partner, carrier) calling the advance endpoint; the task only
		// marked it as picked up.
		return nil
	}

	if _, err := f.AdvanceStage(ctx, pipeline.PipelineID, ""); err != nil {
		return err
	}
	return nil
}

// executeStage performs the work a stage stands for and reports whether the
// stage finished inline. Validation re-checks the order's payment state;
// fulfillment hands the order to the dispatch queue. The remaining stages
// are completed by external signals (production partners, carriers) and must
// not auto-advance from the queue.
func (f *Fabrik) executeStage(ctx context.Context, pipeline *model.Pipeline, stage string) (bool, error) {
	switch stage {
	case model.StageValidation:
		order, err := f.datasource.GetOrder(ctx, pipeline.OrderID, pipeline.BrandID)
		if err != nil {
			return false, err
		}
		if !order.IsPaid() {
			return false, fmt.Errorf("order %s is no longer paid", order.OrderID)
		}
		return true, nil
	case model.StageFulfillment:
		err := f.queue.EnqueueFulfillment(ctx, FulfillmentJobPayload{
			PipelineID: pipeline.PipelineID,
			OrderID:    pipeline.OrderID,
			Stage:      stage,
		})
		return err == nil, err
	default:
		return false, nil
	}
}

// ProcessFulfillmentJob handles a fulfillment dispatch task. The actual
// hand-off to production partners lives behind the webhook notification; the
// task exists so dispatches survive restarts and can be inspected in the
// queue dashboard.
func (f *Fabrik) ProcessFulfillmentJob(ctx context.Context, task *asynq.Task) error {
	var payload FulfillmentJobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		log.Printf("Error unmarshaling fulfillment task payload: %v", err)
		return err
	}

	pipeline, err := f.datasource.GetPipelineByID(ctx, payload.PipelineID)
	if err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			return nil
		}
		return err
	}
	if pipeline.IsTerminal() {
		return nil
	}

	log.Printf(" [*] Dispatching fulfillment for order %s (pipeline %s)", payload.OrderID, payload.PipelineID)
	return nil
}
