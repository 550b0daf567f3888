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
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fabrikhq/fabrik/config"
	redis_db "github.com/fabrikhq/fabrik/internal/redis-db"
)

// Queue represents a queue for handling pipeline tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// StageJobPayload is the payload of a stage execution task.
type StageJobPayload struct {
	PipelineID string `json:"pipeline_id"`
	Stage      string `json:"stage"`
}

// FulfillmentJobPayload is the payload of a fulfillment dispatch task.
type FulfillmentJobPayload struct {
	PipelineID string `json:"pipeline_id"`
	OrderID    string `json:"order_id"`
	Stage      string `json:"stage"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// EnqueueStage enqueues a stage execution task for a pipeline. Tasks for the
// same pipeline hash to the same queue shard so they are processed serially,
// which keeps concurrent stage work off a single pipeline row. The task ID is
// derived from the pipeline and stage, so re-enqueueing the same stage while a
// task is pending is a no-op.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - pipelineID string: The ID of the pipeline the stage belongs to.
// - stage string: The stage to execute.
// - delay time.Duration: How long to defer processing; zero enqueues immediately.
//
// Returns:
// - error: An error if the task could not be enqueued.
func (q *Queue) EnqueueStage(ctx context.Context, pipelineID, stage string, delay time.Duration) error {
	ctx, span := tracer.Start(ctx, "Adding Stage Task To Redis Queue")
	defer span.End()

	cnf, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(StageJobPayload{PipelineID: pipelineID, Stage: stage})
	if err != nil {
		return err
	}

	queueIndex := hashPipelineID(pipelineID) % cnf.Queue.NumberOfQueues
	queueName := fmt.Sprintf("%s_%d", cnf.Queue.PipelineQueue, queueIndex+1)

	taskOptions := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("%s:%s", pipelineID, stage)),
		asynq.Queue(queueName),
	}
	if delay > 0 {
		taskOptions = append(taskOptions, asynq.ProcessIn(delay))
	}

	task := asynq.NewTask(queueName, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task, asynq.MaxRetry(5))
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			log.Printf(" [*] Stage task already enqueued: %s %s", pipelineID, stage)
			return nil
		}
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued stage task: %s %s", pipelineID, stage)
	return nil
}

// EnqueueFulfillment enqueues a fulfillment dispatch task for an order.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - payload FulfillmentJobPayload: The fulfillment task payload.
//
// Returns:
// - error: An error if the task could not be enqueued.
func (q *Queue) EnqueueFulfillment(ctx context.Context, payload FulfillmentJobPayload) error {
	cnf, err := config.Fetch()
	if err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("%s:fulfillment", payload.PipelineID)),
		asynq.Queue(cnf.Queue.FulfillmentQueue),
	}
	task := asynq.NewTask(cnf.Queue.FulfillmentQueue, data, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued fulfillment task: %s", payload.OrderID)
	return nil
}

// hashPipelineID returns a consistent hash value for a string pipeline ID.
// It uses the FNV-1a hash algorithm to generate a 32-bit hash and converts it to an int.
//
// Parameters:
// - pipelineID string: The pipeline ID to be hashed.
//
// Returns:
// - int: The hash value of the pipeline ID as an integer.
func hashPipelineID(pipelineID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(pipelineID))
	return int(h.Sum32())
}
