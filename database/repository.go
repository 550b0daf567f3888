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

package database

import (
	"context"

	"github.com/fabrikhq/fabrik/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	pipeline   // Interface for pipeline-related operations
	transition // Interface for transition-log operations
	order      // Interface for order-related operations
}

// pipeline defines methods for handling pipelines.
type pipeline interface {
	CreatePipeline(ctx context.Context, pipeline model.Pipeline) (model.Pipeline, error)                                   // Creates a new pipeline
	GetPipelineByID(ctx context.Context, id string) (*model.Pipeline, error)                                               // Retrieves a pipeline by ID
	GetPipelineByOrderID(ctx context.Context, orderID, brandID string) (*model.Pipeline, error)                            // Retrieves a pipeline by order ID within a brand
	GetPipelinesByBrand(ctx context.Context, brandID, status string, limit, offset int) ([]model.Pipeline, error)          // Retrieves pipelines for a brand, optionally filtered by status
	UpdatePipeline(ctx context.Context, pipeline *model.Pipeline, expectedVersion int64) error                             // Updates a pipeline guarded by its version
}

// transition defines methods for the durable transition and error logs.
type transition interface {
	RecordTransition(ctx context.Context, transition *model.Transition) error                      // Appends a stage transition record
	GetPipelineTransitions(ctx context.Context, pipelineID string) ([]model.Transition, error)     // Retrieves transitions for a pipeline, oldest first
	RecordPipelineError(ctx context.Context, pipelineError *model.PipelineError) error             // Appends an error record
	GetPipelineErrors(ctx context.Context, pipelineID string) ([]model.PipelineError, error)       // Retrieves error records for a pipeline
	ResolvePipelineErrors(ctx context.Context, pipelineID string) error                            // Marks all unresolved errors of a pipeline as resolved
	CountPipelineRetries(ctx context.Context, pipelineID string) (int64, error)                    // Counts retry transitions recorded for a pipeline
}

// order defines methods for reading orders.
type order interface {
	GetOrder(ctx context.Context, orderID, brandID string) (*model.Order, error) // Retrieves an order by ID within a brand
}
