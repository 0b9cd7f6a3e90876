/*
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

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/lordkingpriest/problemsolver"
	"github.com/lordkingpriest/problemsolver/api/middleware"
	"github.com/lordkingpriest/problemsolver/config"
)

type Api struct {
	service *problemsolver.Problemsolver
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/merchants", a.CreateMerchant)
	router.GET("/merchants/:id", a.GetMerchant)
	router.GET("/merchants/:id/invoices", a.GetMerchantInvoices)

	router.POST("/invoices", a.CreateInvoice)
	router.GET("/invoices/:id", a.GetInvoice)

	router.GET("/deposits/:tx_id", a.GetDeposit)

	router.GET("/stats", a.GetStats)
	return a.router
}

func NewAPI(service *problemsolver.Problemsolver) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware("problemsolver"))
	r.Use(middleware.RateLimitMiddleware(conf))

	a := &Api{service: service, router: r}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", a.Ready)

	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	return a
}

// Ready reports whether the backing database is reachable. Load balancers
// poll this before routing traffic to a fresh instance.
func (a Api) Ready(c *gin.Context) {
	if err := a.service.Ready(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (a Api) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, a.service.Stats().Snapshot())
}
