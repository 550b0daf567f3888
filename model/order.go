package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	OrderStatusPending   = "PENDING"
	OrderStatusPaid      = "PAID"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusRefunded  = "REFUNDED"
)

const (
	FulfillmentTypePOD     = "POD"
	FulfillmentTypeDigital = "DIGITAL"
)

// Order is the read-only snapshot of an order consumed by the pipeline
// engine. Orders are created and paid elsewhere; the engine never mutates
// them directly.
type Order struct {
	OrderID   string                 `json:"order_id"`
	BrandID   string                 `json:"brand_id"`
	Status    string                 `json:"status"`
	Total     decimal.Decimal        `json:"total"`
	Currency  string                 `json:"currency"`
	Items     []OrderItem            `json:"items"`
	MetaData  map[string]interface{} `json:"meta_data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

type OrderItem struct {
	ItemID          string `json:"item_id"`
	ProductID       string `json:"product_id"`
	DesignID        string `json:"design_id,omitempty"`
	Quantity        int    `json:"quantity"`
	FulfillmentType string `json:"fulfillment_type"`
}

// IsPaid reports whether the order is in a state the pipeline engine may
// fulfil from.
func (o *Order) IsPaid() bool {
	return o.Status == OrderStatusPaid
}

// TotalCents returns the order total in integer cents, the unit the
// quality-check threshold is configured in.
func (o *Order) TotalCents() int64 {
	return o.Total.Mul(decimal.NewFromInt(100)).IntPart()
}

// AllDigital reports whether every item on the order is fulfilled digitally.
// An order with no items is not considered digital.
func (o *Order) AllDigital() bool {
	if len(o.Items) == 0 {
		return false
	}
	for _, item := range o.Items {
		if item.FulfillmentType != FulfillmentTypeDigital {
			return false
		}
	}
	return true
}
