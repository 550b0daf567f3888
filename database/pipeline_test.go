package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/fabrikhq/fabrik/internal/apierror"
	"github.com/fabrikhq/fabrik/model"
)

func newTestDatasource(t *testing.T) (Datasource, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(t, err)
	return Datasource{Conn: db}, mock, func() { _ = db.Close() }
}

func pipelineRows(pipeline model.Pipeline) *sqlmock.Rows {
	stagesJSON, _ := json.Marshal(pipeline.Stages)
	metaDataJSON, _ := json.Marshal(pipeline.MetaData)
	return sqlmock.NewRows([]string{
		"pipeline_id", "order_id", "brand_id", "stages", "current_stage", "status",
		"progress", "version", "meta_data", "created_at", "updated_at",
		"started_at", "completed_at", "failed_at", "cancelled_at", "estimated_completion",
	}).AddRow(pipeline.PipelineID, pipeline.OrderID, pipeline.BrandID, stagesJSON,
		pipeline.CurrentStage, pipeline.Status, pipeline.Progress, pipeline.Version,
		metaDataJSON, pipeline.CreatedAt, pipeline.UpdatedAt, pipeline.StartedAt,
		pipeline.CompletedAt, pipeline.FailedAt, pipeline.CancelledAt, pipeline.EstimatedCompletion)
}

func TestCreatePipeline_Success(t *testing.T) {
	ds, mock, closeDB := newTestDatasource(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO fabrik.pipelines").
		WithArgs(sqlmock.AnyArg(), "order_123", "brand_456", sqlmock.AnyArg(),
			model.StageValidation, model.StatusCreated, 0, int64(0),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	pipeline, err := ds.CreatePipeline(context.Background(), model.Pipeline{
		OrderID:      "order_123",
		BrandID:      "brand_456",
		Stages:       model.DefaultStages(),
		CurrentStage: model.StageValidation,
		Status:       model.StatusCreated,
	})
	assert.NoError(t, err)
	assert.NotEmpty(t, pipeline.PipelineID)
	assert.Contains(t, pipeline.PipelineID, "pln_")
	assert.False(t, pipeline.CreatedAt.IsZero())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePipeline_DuplicateOrder(t *testing.T) {
	ds, mock, closeDB := newTestDatasource(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO fabrik.pipelines").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := ds.CreatePipeline(context.Background(), model.Pipeline{
		OrderID: "order_123",
		BrandID: "brand_456",
		Stages:  model.DefaultStages(),
	})
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrConflict))
}

func TestGetPipelineByID_Success(t *testing.T) {
	ds, mock, closeDB := newTestDatasource(t)
	defer closeDB()

	now := time.Now()
	expected := model.Pipeline{
		PipelineID:   "pln_1",
		OrderID:      "order_123",
		BrandID:      "brand_456",
		Stages:       model.DefaultStages(),
		CurrentStage: model.StageProduction,
		Status:       model.StatusInProgress,
		Progress:     20,
		Version:      3,
		MetaData:     map[string]interface{}{"fulfillment_type": "POD"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	mock.ExpectQuery("SELECT .* FROM fabrik.pipelines WHERE pipeline_id =").
		WithArgs("pln_1").
		WillReturnRows(pipelineRows(expected))

	pipeline, err := ds.GetPipelineByID(context.Background(), "pln_1")
	assert.NoError(t, err)
	assert.Equal(t, expected.PipelineID, pipeline.PipelineID)
	assert.Equal(t, expected.Stages, pipeline.Stages)
	assert.Equal(t, model.StageProduction, pipeline.CurrentStage)
	assert.Equal(t, int64(3), pipeline.Version)
	assert.Equal(t, "POD", pipeline.MetaData["fulfillment_type"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPipelineByID_NotFound(t *testing.T) {
	ds, mock, closeDB := newTestDatasource(t)
	defer closeDB()

	mock.ExpectQuery("SELECT .* FROM fabrik.pipelines WHERE pipeline_id =").
		WithArgs("pln_missing").
		WillReturnError(sql.ErrNoRows)

	_, err := ds.GetPipelineByID(context.Background(), "pln_missing")
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))
}

func TestGetPipelineByOrderID_NotFound(t *testing.T) {
	ds, mock, closeDB := newTestDatasource(t)
	defer closeDB()

	mock.ExpectQuery("SELECT .* FROM fabrik.pipelines WHERE order_id =").
		WithArgs("order_missing", "brand_456").
		WillReturnError(sql.ErrNoRows)

	_, err := ds.GetPipelineByOrderID(context.Background(), "order_missing", "brand_456")
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))
}

func TestGetPipelinesByBrand_StatusFilter(t *testing.T) {
	ds, mock, closeDB := newTestDatasource(t)
	defer closeDB()

	now := time.Now()
	rows := pipelineRows(model.Pipeline{
		PipelineID: "pln_1", OrderID: "order_1", BrandID: "brand_456",
		Stages: model.DefaultStages(), CurrentStage: model.StageValidation,
		Status: model.StatusInProgress, Version: 1, CreatedAt: now, UpdatedAt: now,
	})

	mock.ExpectQuery("SELECT .* FROM fabrik.pipelines WHERE brand_id = .* AND status =").
		WithArgs("brand_456", model.StatusInProgress, 10, 0).
		WillReturnRows(rows)

	pipelines, err := ds.GetPipelinesByBrand(context.Background(), "brand_456", model.StatusInProgress, 10, 0)
	assert.NoError(t, err)
	assert.Len(t, pipelines, 1)
	assert.Equal(t, "pln_1", pipelines[0].PipelineID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePipeline_Success(t *testing.T) {
	ds, mock, closeDB := newTestDatasource(t)
	defer closeDB()

	pipeline := &model.Pipeline{
		PipelineID:   "pln_1",
		CurrentStage: model.StageFulfillment,
		Status:       model.StatusInProgress,
		Progress:     40,
		Version:      2,
	}

	mock.ExpectExec("UPDATE fabrik.pipelines").
		WithArgs("pln_1", model.StageFulfillment, model.StatusInProgress, 40,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := ds.UpdatePipeline(context.Background(), pipeline, 2)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), pipeline.Version)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePipeline_VersionConflict(t *testing.T) {
	ds, mock, closeDB := newTestDatasource(t)
	defer closeDB()

	pipeline := &model.Pipeline{PipelineID: "pln_1", Status: model.StatusInProgress, Version: 2}

	mock.ExpectExec("UPDATE fabrik.pipelines").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := ds.UpdatePipeline(context.Background(), pipeline, 2)
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrConflict))
	assert.Equal(t, int64(2), pipeline.Version)
}

func TestRecordTransition(t *testing.T) {
	ds, mock, closeDB := newTestDatasource(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO fabrik.pipeline_transitions").
		WithArgs(sqlmock.AnyArg(), "pln_1", model.StageValidation, model.StageProduction,
			"stage completed", false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	transition := &model.Transition{
		PipelineID: "pln_1",
		FromStage:  model.StageValidation,
		ToStage:    model.StageProduction,
		Reason:     "stage completed",
	}
	err := ds.RecordTransition(context.Background(), transition)
	assert.NoError(t, err)
	assert.Contains(t, transition.TransitionID, "trn_")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPipelineTransitions(t *testing.T) {
	ds, mock, closeDB := newTestDatasource(t)
	defer closeDB()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"transition_id", "pipeline_id", "from_stage", "to_stage", "reason", "retry", "created_at"}).
		AddRow("trn_1", "pln_1", "", model.StageValidation, "pipeline created", false, now).
		AddRow("trn_2", "pln_1", model.StageValidation, model.StageProduction, "stage completed", false, now.Add(time.Minute))

	mock.ExpectQuery("SELECT .* FROM fabrik.pipeline_transitions").
		WithArgs("pln_1").
		WillReturnRows(rows)

	transitions, err := ds.GetPipelineTransitions(context.Background(), "pln_1")
	assert.NoError(t, err)
	assert.Len(t, transitions, 2)
	assert.Equal(t, model.StageValidation, transitions[0].ToStage)
	assert.Equal(t, model.StageProduction, transitions[1].ToStage)
}

func TestRecordAndResolvePipelineErrors(t *testing.T) {
	ds, mock, closeDB := newTestDatasource(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO fabrik.pipeline_errors").
		WithArgs(sqlmock.AnyArg(), "pln_1", model.StageProduction, "printer offline", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE fabrik.pipeline_errors SET resolved_at").
		WithArgs("pln_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	pipelineError := &model.PipelineError{
		PipelineID: "pln_1",
		Stage:      model.StageProduction,
		Message:    "printer offline",
	}
	assert.NoError(t, ds.RecordPipelineError(context.Background(), pipelineError))
	assert.Contains(t, pipelineError.ErrorID, "perr_")

	assert.NoError(t, ds.ResolvePipelineErrors(context.Background(), "pln_1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountPipelineRetries(t *testing.T) {
	ds, mock, closeDB := newTestDatasource(t)
	defer closeDB()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("pln_1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))

	count, err := ds.CountPipelineRetries(context.Background(), "pln_1")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
