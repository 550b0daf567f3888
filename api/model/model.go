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

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/fabrikhq/fabrik/model"
)

// ProcessOrderRequest starts fulfillment of a paid order.
type ProcessOrderRequest struct {
	BrandID string `json:"brand_id"`
}

func (r *ProcessOrderRequest) ValidateProcessOrderRequest() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.BrandID, validation.Required),
	)
}

// AdvanceStageRequest moves a pipeline forward. Stage is optional; empty
// advances to the next stage in the plan.
type AdvanceStageRequest struct {
	BrandID string `json:"brand_id"`
	Stage   string `json:"stage"`
}

func (r *AdvanceStageRequest) ValidateAdvanceStageRequest() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.BrandID, validation.Required),
		validation.Field(&r.Stage, validation.In(
			model.StageValidation, model.StageProduction, model.StageFulfillment,
			model.StageShipping, model.StageDelivery, "")),
	)
}

// RetryStageRequest re-runs the failed stage of a pipeline.
type RetryStageRequest struct {
	BrandID string `json:"brand_id"`
}

func (r *RetryStageRequest) ValidateRetryStageRequest() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.BrandID, validation.Required),
	)
}

// CancelPipelineRequest cancels an active pipeline.
type CancelPipelineRequest struct {
	BrandID string `json:"brand_id"`
	Reason  string `json:"reason"`
}

func (r *CancelPipelineRequest) ValidateCancelPipelineRequest() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.BrandID, validation.Required),
		validation.Field(&r.Reason, validation.Length(0, 500)),
	)
}

// FailPipelineRequest marks a pipeline as failed from an external signal.
type FailPipelineRequest struct {
	BrandID string `json:"brand_id"`
	Reason  string `json:"reason"`
}

func (r *FailPipelineRequest) ValidateFailPipelineRequest() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.BrandID, validation.Required),
		validation.Field(&r.Reason, validation.Required, validation.Length(1, 500)),
	)
}
