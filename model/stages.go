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

const (
	StageValidation  = "VALIDATION"
	StageProduction  = "PRODUCTION"
	StageFulfillment = "FULFILLMENT"
	StageShipping    = "SHIPPING"
	StageDelivery    = "DELIVERY"

	// Sentinel values the current_stage column takes once a pipeline
	// reaches a terminal state.
	StageCompleted = "COMPLETED"
	StageCancelled = "CANCELLED"
)

// DefaultStages returns the stage plan used for physical (print-on-demand)
// orders. Callers own the returned slice.
func DefaultStages() []string {
	return []string{StageValidation, StageProduction, StageFulfillment, StageShipping, StageDelivery}
}

// DigitalStages returns the stage plan for orders containing only digital
// items. Digital goods skip physical production and shipping.
func DigitalStages() []string {
	return []string{StageValidation, StageFulfillment, StageDelivery}
}

// NextStage returns the stage immediately following current in the plan.
// ok is false when current is the last stage (the pipeline is ready to
// complete) or when current is not a member of the plan.
func NextStage(stages []string, current string) (next string, ok bool) {
	for i, s := range stages {
		if s == current {
			if i == len(stages)-1 {
				return "", false
			}
			return stages[i+1], true
		}
	}
	return "", false
}

// ProgressOf maps a stage to a 0-100 progress value, linear over the stage
// count. A stage outside the plan (including the terminal status sentinel)
// maps to 100.
func ProgressOf(stages []string, stage string) int {
	if len(stages) == 0 {
		return 0
	}
	for i, s := range stages {
		if s == stage {
			return i * 100 / len(stages)
		}
	}
	return 100
}
