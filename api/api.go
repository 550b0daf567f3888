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
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/fabrikhq/fabrik"
	"github.com/fabrikhq/fabrik/api/middleware"
	"github.com/fabrikhq/fabrik/config"
)

type Api struct {
	fabrik *fabrik.Fabrik
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/orders/:order_id/process", a.ProcessOrder)
	router.POST("/orders/:order_id/paid", a.OrderPaid)
	router.GET("/orders/:order_id/status", a.GetOrderStatus)

	router.GET("/pipelines", a.GetPipelinesByBrand)
	router.GET("/pipelines/:id", a.GetPipeline)
	router.GET("/pipelines/:id/status", a.GetPipelineStatus)
	router.GET("/pipelines/:id/transitions", a.GetPipelineTransitions)
	router.GET("/pipelines/:id/errors", a.GetPipelineErrors)
	router.POST("/pipelines/:id/advance", a.AdvanceStage)
	router.POST("/pipelines/:id/retry", a.RetryStage)
	router.POST("/pipelines/:id/cancel", a.CancelPipeline)
	router.POST("/pipelines/:id/fail", a.FailPipeline)

	return a.router
}

func NewAPI(f *fabrik.Fabrik) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware("fabrik"))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{fabrik: f, router: r}
}
