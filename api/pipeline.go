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
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	model2 "github.com/fabrikhq/fabrik/api/model"
	"github.com/fabrikhq/fabrik/internal/apierror"
)

// apiError writes an error response with the HTTP status the error maps to.
func apiError(c *gin.Context, err error) {
	c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
}

// brandID reads the brand scope from the query string.
func brandID(c *gin.Context) (string, bool) {
	brand := c.Query("brand_id")
	if brand == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "brand_id is required"})
		return "", false
	}
	return brand, true
}

func (a Api) ProcessOrder(c *gin.Context) {
	orderID, passed := c.Params.Get("order_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_id is required. pass order_id in the route /:order_id"})
		return
	}

	var req model2.ProcessOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidateProcessOrderRequest(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.fabrik.ProcessOrder(c.Request.Context(), orderID, req.BrandID)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// OrderPaid receives a payment notification from the order collaborator.
// Fulfillment only starts from here when auto-processing is enabled.
func (a Api) OrderPaid(c *gin.Context) {
	orderID, passed := c.Params.Get("order_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_id is required. pass order_id in the route /:order_id"})
		return
	}

	var req model2.ProcessOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidateProcessOrderRequest(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.fabrik.HandleOrderPaid(c.Request.Context(), orderID, req.BrandID)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetOrderStatus(c *gin.Context) {
	orderID, passed := c.Params.Get("order_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_id is required. pass order_id in the route /:order_id"})
		return
	}
	brand, ok := brandID(c)
	if !ok {
		return
	}

	resp, err := a.fabrik.GetOrderStatus(c.Request.Context(), orderID, brand)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetPipeline(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}
	brand, ok := brandID(c)
	if !ok {
		return
	}

	resp, err := a.fabrik.GetPipeline(c.Request.Context(), id, brand)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetPipelineStatus(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}
	brand, ok := brandID(c)
	if !ok {
		return
	}

	resp, err := a.fabrik.GetPipelineStatus(c.Request.Context(), id, brand)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetPipelinesByBrand(c *gin.Context) {
	brand, ok := brandID(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	status := c.Query("status")

	resp, err := a.fabrik.GetPipelinesByBrand(c.Request.Context(), brand, status, limit, offset)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetPipelineTransitions(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}
	brand, ok := brandID(c)
	if !ok {
		return
	}

	resp, err := a.fabrik.GetPipelineTransitions(c.Request.Context(), id, brand)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetPipelineErrors(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}
	brand, ok := brandID(c)
	if !ok {
		return
	}

	resp, err := a.fabrik.GetPipelineErrors(c.Request.Context(), id, brand)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) AdvanceStage(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var req model2.AdvanceStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidateAdvanceStageRequest(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if _, err := a.fabrik.GetPipeline(c.Request.Context(), id, req.BrandID); err != nil {
		apiError(c, err)
		return
	}

	resp, err := a.fabrik.AdvanceStage(c.Request.Context(), id, req.Stage)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) RetryStage(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var req model2.RetryStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidateRetryStageRequest(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if _, err := a.fabrik.GetPipeline(c.Request.Context(), id, req.BrandID); err != nil {
		apiError(c, err)
		return
	}

	resp, err := a.fabrik.RetryStage(c.Request.Context(), id)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) CancelPipeline(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var req model2.CancelPipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidateCancelPipelineRequest(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if _, err := a.fabrik.GetPipeline(c.Request.Context(), id, req.BrandID); err != nil {
		apiError(c, err)
		return
	}

	resp, err := a.fabrik.CancelPipeline(c.Request.Context(), id, req.Reason)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) FailPipeline(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var req model2.FailPipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidateFailPipelineRequest(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if _, err := a.fabrik.GetPipeline(c.Request.Context(), id, req.BrandID); err != nil {
		apiError(c, err)
		return
	}

	resp, err := a.fabrik.FailPipeline(c.Request.Context(), id, req.Reason)
	if err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
