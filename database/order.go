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

	"github.com/fabrikhq/fabrik/internal/apierror"
	"github.com/fabrikhq/fabrik/model"
)

// GetOrder retrieves an order by ID scoped to a brand. The brand scope is part
// of the lookup so an order belonging to another brand reads as not found.
func (d Datasource) GetOrder(ctx context.Context, orderID, brandID string) (*model.Order, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT order_id, brand_id, status, total, currency, items, meta_data, created_at
		FROM fabrik.orders WHERE order_id = $1 AND brand_id = $2
	`, orderID, brandID)

	order := &model.Order{}
	var itemsJSON, metaDataJSON []byte

	err := row.Scan(&order.OrderID, &order.BrandID, &order.Status, &order.Total,
		&order.Currency, &itemsJSON, &metaDataJSON, &order.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Order with ID '%s' not found", orderID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve order", err)
	}

	if itemsJSON != nil {
		if err := json.Unmarshal(itemsJSON, &order.Items); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal order items", err)
		}
	}
	if metaDataJSON != nil {
		if err := json.Unmarshal(metaDataJSON, &order.MetaData); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal order metadata", err)
		}
	}
	return order, nil
}
