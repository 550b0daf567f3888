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

	"github.com/fabrikhq/fabrik/config"
	"github.com/fabrikhq/fabrik/internal/apierror"
	"github.com/fabrikhq/fabrik/model"
)

// OrderSummary describes the fulfillment state of an order: the order itself
// plus the pipeline working on it, if any.
type OrderSummary struct {
	Order    *model.Order    `json:"order"`
	Pipeline *model.Pipeline `json:"pipeline,omitempty"`
}

// ProcessOrder starts fulfillment for a paid order. The order is loaded
// brand-scoped, validated and handed to the pipeline engine; the stage plan is
// derived from the order's items. Processing is idempotent per order.
//
// When the pipeline engine is disabled by configuration the order is returned
// without a pipeline attached.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - orderID string: The ID of the order to process.
// - brandID string: The brand the order belongs to.
//
// Returns:
// - *OrderSummary: The order and its pipeline.
// - error: NotFound for unknown orders, InvalidOrderState for unpaid ones.
func (f *Fabrik) ProcessOrder(ctx context.Context, orderID, brandID string) (*OrderSummary, error) {
	ctx, span := tracer.Start(ctx, "ProcessOrder")
	defer span.End()

	order, err := f.datasource.GetOrder(ctx, orderID, brandID)
	if err != nil {
		return nil, err
	}
	if !order.IsPaid() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidOrderState, "Order must be paid before fulfillment can start", nil)
	}

	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	if !cnf.Pipeline.Enabled {
		return &OrderSummary{Order: order}, nil
	}

	pipeline, err := f.CreatePipeline(ctx, order, nil)
	if err != nil {
		return nil, err
	}
	return &OrderSummary{Order: order, Pipeline: pipeline}, nil
}

// HandleOrderPaid reacts to a payment notification for an order. When
// auto-processing is enabled fulfillment starts immediately; otherwise the
// order is acknowledged and waits for an explicit ProcessOrder call.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - orderID string: The order the payment was captured for.
// - brandID string: The brand the order belongs to.
//
// Returns:
// - *OrderSummary: The order, with a pipeline attached when fulfillment started.
// - error: NotFound for unknown orders, InvalidOrderState for unpaid ones.
func (f *Fabrik) HandleOrderPaid(ctx context.Context, orderID, brandID string) (*OrderSummary, error) {
	ctx, span := tracer.Start(ctx, "HandleOrderPaid")
	defer span.End()

	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	if !cnf.Pipeline.AutoProcessOnPayment {
		order, err := f.datasource.GetOrder(ctx, orderID, brandID)
		if err != nil {
			return nil, err
		}
		return &OrderSummary{Order: order}, nil
	}

	return f.ProcessOrder(ctx, orderID, brandID)
}

// GetOrderStatus reports the fulfillment state of an order. Both the order
// and its pipeline must exist; an order that has no pipeline yet surfaces as
// NotFound.
func (f *Fabrik) GetOrderStatus(ctx context.Context, orderID, brandID string) (*OrderSummary, error) {
	ctx, span := tracer.Start(ctx, "GetOrderStatus")
	defer span.End()

	order, err := f.datasource.GetOrder(ctx, orderID, brandID)
	if err != nil {
		return nil, err
	}

	pipeline, err := f.datasource.GetPipelineByOrderID(ctx, orderID, brandID)
	if err != nil {
		return nil, err
	}
	return &OrderSummary{Order: order, Pipeline: pipeline}, nil
}
