/*
Copyright 2024 Blnk Finance Authors.

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
	"context"
	"errors"
	"net/http"

	"github.com/blnkfinance/contentsync"
	"github.com/blnkfinance/contentsync/api/middleware"
	"github.com/blnkfinance/contentsync/config"
	"github.com/blnkfinance/contentsync/internal/apierror"
	"github.com/blnkfinance/contentsync/model"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Syncer is the part of the pipeline the admin API drives.
type Syncer interface {
	Reconcile(ctx context.Context) (model.PassReport, error)
	RequestMetadataRefresh()
	Status() contentsync.Status
}

type Api struct {
	sync   Syncer
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.GET("/status", a.Status)
	router.POST("/sync/run", a.RunPass)
	router.POST("/metadata/refresh", a.RefreshMetadata)
	return a.router
}

func NewAPI(s Syncer, conf *config.Configuration) *Api {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(conf.ProjectName))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.SecretKey != "" {
		r.Use(middleware.SecretKeyAuthMiddleware(conf.Server.SecretKey))
	}

	return &Api{sync: s, router: r}
}

// Status reports pending work per consumer and the last pass.
func (a Api) Status(c *gin.Context) {
	c.JSON(http.StatusOK, a.sync.Status())
}

// RunPass runs one invalidation pass and returns its report. A pass that
// is already running yields 409.
func (a Api) RunPass(c *gin.Context) {
	report, err := a.sync.Reconcile(c.Request.Context())
	if err != nil {
		if errors.Is(err, contentsync.ErrPassInProgress) {
			err = apierror.NewAPIError(apierror.ErrConflict, "An invalidation pass is already running", nil)
			c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
			return
		}
		apiErr := apierror.NewAPIError(apierror.ErrInternalServer, "Invalidation pass aborted", err.Error())
		c.JSON(apierror.MapErrorToHTTPStatus(apiErr), gin.H{"error": apiErr.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

// RefreshMetadata flags metadata dirty. Sinks reload on the next pass.
func (a Api) RefreshMetadata(c *gin.Context) {
	a.sync.RequestMetadataRefresh()
	c.JSON(http.StatusAccepted, gin.H{"metadata_dirty": true})
}
