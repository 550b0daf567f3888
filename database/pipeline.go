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
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/fabrikhq/fabrik/internal/apierror"
	"github.com/fabrikhq/fabrik/model"
)

// pipelineColumns is the column list shared by every pipeline SELECT.
const pipelineColumns = `pipeline_id, order_id, brand_id, stages, current_stage, status, progress, version, meta_data, created_at, updated_at, started_at, completed_at, failed_at, cancelled_at, estimated_completion`

// scanPipeline maps a SQL row into a Pipeline object, unmarshalling the JSONB
// stage plan and metadata columns.
func scanPipeline(row interface{ Scan(...interface{}) error }) (*model.Pipeline, error) {
	pipeline := &model.Pipeline{}
	var stagesJSON, metaDataJSON []byte

	err := row.Scan(
		&pipeline.PipelineID, &pipeline.OrderID, &pipeline.BrandID,
		&stagesJSON, &pipeline.CurrentStage, &pipeline.Status,
		&pipeline.Progress, &pipeline.Version, &metaDataJSON,
		&pipeline.CreatedAt, &pipeline.UpdatedAt,
		&pipeline.StartedAt, &pipeline.CompletedAt,
		&pipeline.FailedAt, &pipeline.CancelledAt,
		&pipeline.EstimatedCompletion,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stagesJSON, &pipeline.Stages); err != nil {
		return nil, err
	}
	if metaDataJSON != nil {
		if err := json.Unmarshal(metaDataJSON, &pipeline.MetaData); err != nil {
			return nil, err
		}
	}
	return pipeline, nil
}

// CreatePipeline inserts a new pipeline record into the `fabrik.pipelines` table.
// It generates a unique pipeline ID and sets the creation timestamp. A unique
// constraint on (order_id, brand_id) guarantees at most one pipeline per order;
// a violation is surfaced as a Conflict error.
//
// Parameters:
// - ctx: Context for managing the request lifecycle.
// - pipeline: A model.Pipeline object containing the pipeline to be created.
//
// Returns:
// - model.Pipeline: The created pipeline with its ID and timestamps populated.
// - error: Returns an APIError in case of failures such as database conflicts.
func (d Datasource) CreatePipeline(ctx context.Context, pipeline model.Pipeline) (model.Pipeline, error) {
	stagesJSON, err := json.Marshal(pipeline.Stages)
	if err != nil {
		return model.Pipeline{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal stages", err)
	}
	metaDataJSON, err := json.Marshal(pipeline.MetaData)
	if err != nil {
		return model.Pipeline{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	pipeline.PipelineID = model.GenerateUUIDWithSuffix("pln")
	pipeline.CreatedAt = time.Now()
	pipeline.UpdatedAt = pipeline.CreatedAt

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO fabrik.pipelines (pipeline_id, order_id, brand_id, stages, current_stage, status, progress, version, meta_data, created_at, updated_at, estimated_completion)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, pipeline.PipelineID, pipeline.OrderID, pipeline.BrandID, stagesJSON,
		pipeline.CurrentStage, pipeline.Status, pipeline.Progress, pipeline.Version,
		metaDataJSON, pipeline.CreatedAt, pipeline.UpdatedAt, pipeline.EstimatedCompletion)
	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok && pqErr.Code == "23505" {
			return model.Pipeline{}, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("A pipeline for order '%s' already exists", pipeline.OrderID), err)
		}
		return model.Pipeline{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create pipeline", err)
	}

	return pipeline, nil
}

// GetPipelineByID retrieves a pipeline by its unique ID.
//
// Returns a NotFound error if no pipeline exists with the given ID.
func (d Datasource) GetPipelineByID(ctx context.Context, id string) (*model.Pipeline, error) {
	row := d.Conn.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM fabrik.pipelines WHERE pipeline_id = $1
	`, pipelineColumns), id)

	pipeline, err := scanPipeline(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Pipeline with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve pipeline", err)
	}
	return pipeline, nil
}

// GetPipelineByOrderID retrieves the pipeline attached to an order within a brand.
func (d Datasource) GetPipelineByOrderID(ctx context.Context, orderID, brandID string) (*model.Pipeline, error) {
	row := d.Conn.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM fabrik.pipelines WHERE order_id = $1 AND brand_id = $2
	`, pipelineColumns), orderID, brandID)

	pipeline, err := scanPipeline(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Pipeline for order '%s' not found", orderID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve pipeline", err)
	}
	return pipeline, nil
}

// GetPipelinesByBrand retrieves pipelines belonging to a brand, newest first.
// An empty status retrieves pipelines in every state.
func (d Datasource) GetPipelinesByBrand(ctx context.Context, brandID, status string, limit, offset int) ([]model.Pipeline, error) {
	var queryBuilder strings.Builder
	queryBuilder.WriteString(fmt.Sprintf("SELECT %s FROM fabrik.pipelines WHERE brand_id = $1", pipelineColumns))

	args := []interface{}{brandID}
	if status != "" {
		queryBuilder.WriteString(" AND status = $2")
		args = append(args, status)
	}
	queryBuilder.WriteString(fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2))
	args = append(args, limit, offset)

	rows, err := d.Conn.QueryContext(ctx, queryBuilder.String(), args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve pipelines", err)
	}
	defer rows.Close()

	pipelines := []model.Pipeline{}
	for rows.Next() {
		pipeline, err := scanPipeline(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan pipeline", err)
		}
		pipelines = append(pipelines, *pipeline)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over pipelines", err)
	}
	return pipelines, nil
}

// UpdatePipeline updates a pipeline entry in the database guarded by its
// version counter. The update only succeeds when the stored version still
// equals expectedVersion; the statement bumps the counter atomically.
//
// If no rows were updated the pipeline was modified by a concurrent writer
// and a Conflict error is returned. On success the in-memory version is
// advanced to match the stored row.
func (d Datasource) UpdatePipeline(ctx context.Context, pipeline *model.Pipeline, expectedVersion int64) error {
	metaDataJSON, err := json.Marshal(pipeline.MetaData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	pipeline.UpdatedAt = time.Now()

	query := `
        UPDATE fabrik.pipelines
        SET current_stage = $2, status = $3, progress = $4, meta_data = $5, updated_at = $6, started_at = $7, completed_at = $8, failed_at = $9, cancelled_at = $10, version = version + 1
        WHERE pipeline_id = $1 AND version = $11
    `

	result, err := d.Conn.ExecContext(ctx, query, pipeline.PipelineID,
		pipeline.CurrentStage, pipeline.Status, pipeline.Progress, metaDataJSON,
		pipeline.UpdatedAt, pipeline.StartedAt, pipeline.CompletedAt,
		pipeline.FailedAt, pipeline.CancelledAt, expectedVersion)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update pipeline", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}

	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Optimistic locking failure: pipeline with ID '%s' may have been updated or deleted by another transaction", pipeline.PipelineID), nil)
	}

	pipeline.Version = expectedVersion + 1
	return nil
}

// RecordTransition appends a stage transition record to the durable log.
func (d Datasource) RecordTransition(ctx context.Context, transition *model.Transition) error {
	transition.TransitionID = model.GenerateUUIDWithSuffix("trn")
	transition.CreatedAt = time.Now()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO fabrik.pipeline_transitions (transition_id, pipeline_id, from_stage, to_stage, reason, retry, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, transition.TransitionID, transition.PipelineID, transition.FromStage,
		transition.ToStage, transition.Reason, transition.Retry, transition.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record transition", err)
	}
	return nil
}

// GetPipelineTransitions retrieves the transition history of a pipeline, oldest first.
func (d Datasource) GetPipelineTransitions(ctx context.Context, pipelineID string) ([]model.Transition, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT transition_id, pipeline_id, from_stage, to_stage, reason, retry, created_at
		FROM fabrik.pipeline_transitions WHERE pipeline_id = $1 ORDER BY created_at ASC, id ASC
	`, pipelineID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transitions", err)
	}
	defer rows.Close()

	transitions := []model.Transition{}
	for rows.Next() {
		transition := model.Transition{}
		err := rows.Scan(&transition.TransitionID, &transition.PipelineID,
			&transition.FromStage, &transition.ToStage, &transition.Reason,
			&transition.Retry, &transition.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transition", err)
		}
		transitions = append(transitions, transition)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over transitions", err)
	}
	return transitions, nil
}

// RecordPipelineError appends an error record to the pipeline error log.
func (d Datasource) RecordPipelineError(ctx context.Context, pipelineError *model.PipelineError) error {
	pipelineError.ErrorID = model.GenerateUUIDWithSuffix("perr")
	pipelineError.CreatedAt = time.Now()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO fabrik.pipeline_errors (error_id, pipeline_id, stage, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, pipelineError.ErrorID, pipelineError.PipelineID, pipelineError.Stage,
		pipelineError.Message, pipelineError.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record pipeline error", err)
	}
	return nil
}

// GetPipelineErrors retrieves the error records of a pipeline, newest first.
func (d Datasource) GetPipelineErrors(ctx context.Context, pipelineID string) ([]model.PipelineError, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT error_id, pipeline_id, stage, message, created_at, resolved_at
		FROM fabrik.pipeline_errors WHERE pipeline_id = $1 ORDER BY created_at DESC
	`, pipelineID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve pipeline errors", err)
	}
	defer rows.Close()

	pipelineErrors := []model.PipelineError{}
	for rows.Next() {
		pipelineError := model.PipelineError{}
		err := rows.Scan(&pipelineError.ErrorID, &pipelineError.PipelineID,
			&pipelineError.Stage, &pipelineError.Message,
			&pipelineError.CreatedAt, &pipelineError.ResolvedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan pipeline error", err)
		}
		pipelineErrors = append(pipelineErrors, pipelineError)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over pipeline errors", err)
	}
	return pipelineErrors, nil
}

// ResolvePipelineErrors marks every unresolved error of a pipeline as resolved.
func (d Datasource) ResolvePipelineErrors(ctx context.Context, pipelineID string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE fabrik.pipeline_errors SET resolved_at = NOW()
		WHERE pipeline_id = $1 AND resolved_at IS NULL
	`, pipelineID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to resolve pipeline errors", err)
	}
	return nil
}

// CountPipelineRetries counts the retry transitions recorded for a pipeline
// over its lifetime.
func (d Datasource) CountPipelineRetries(ctx context.Context, pipelineID string) (int64, error) {
	var count int64
	err := d.Conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM fabrik.pipeline_transitions WHERE pipeline_id = $1 AND retry = TRUE
	`, pipelineID).Scan(&count)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count pipeline retries", err)
	}
	return count, nil
}
