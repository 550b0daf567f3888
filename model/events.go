package model

const (
	EventStageStarted      = "stage.started"
	EventStageAdvanced     = "stage.advanced"
	EventPipelineCompleted = "pipeline.completed"
	EventPipelineFailed    = "pipeline.failed"
	EventPipelineCancelled = "pipeline.cancelled"
)

// PipelineEvent is the lifecycle event contract published on every pipeline
// transition. PipelineID, OrderID and BrandID are always set; the remaining
// fields are event specific.
type PipelineEvent struct {
	Event      string `json:"event"`
	PipelineID string `json:"pipeline_id"`
	OrderID    string `json:"order_id"`
	BrandID    string `json:"brand_id"`
	Stage      string `json:"stage,omitempty"`
	FromStage  string `json:"from_stage,omitempty"`
	ToStage    string `json:"to_stage,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Retry      bool   `json:"retry,omitempty"`
}
