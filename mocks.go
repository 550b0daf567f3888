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

	"github.com/fabrikhq/fabrik/model"
)

type MockFabrik struct {
	Fabrik
	mockGetPipeline func(string, string) (*model.Pipeline, error)
}

func (m *MockFabrik) GetPipeline(ctx context.Context, pipelineID, brandID string) (*model.Pipeline, error) {
	if m.mockGetPipeline != nil {
		return m.mockGetPipeline(pipelineID, brandID)
	}
	return m.Fabrik.GetPipeline(ctx, pipelineID, brandID)
}
