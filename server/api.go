/*
Copyright © 2020 Marvin

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
package server

import (
	"encoding/json"
	"net/http"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	perrors "github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/datasource"
	"github.com/wentaojin/scaling/openapi"
	"github.com/wentaojin/scaling/pipeline/job"
	"github.com/wentaojin/scaling/utils/etcdutil"
)

// initAPIHandler returns a HTTP handler to handle the scaling apis
func (s *Server) initAPIHandler() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// middlewares
	r.Use(s.cors())

	// add a ginzap middleware, which:
	//   - log requests, like a combined access and error log.
	r.Use(ginzap.GinzapWithConfig(logger.GetRootLogger().With(zap.String("component", "gin")), &ginzap.Config{
		TimeFormat: logger.LogTimeFmt,
		UTC:        false}))

	// logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(logger.GetRootLogger().With(zap.String("component", "gin")), true))

	v1 := r.Group(openapi.ScalingAPIBasePath)
	v1.POST(openapi.APISQLPath, s.APIExecuteSQL)

	v1.GET(openapi.APIMigrationPath, s.APIListMigration)
	v1.POST(openapi.APIMigrationPath, s.APICreateMigration)
	v1.GET(openapi.APIMigrationPath+"/:id", s.APIMigrationStatus)
	v1.POST(openapi.APIMigrationPath+"/:id/start", s.APIStartMigration)
	v1.POST(openapi.APIMigrationPath+"/:id/stop", s.APIStopMigration)
	v1.POST(openapi.APIMigrationPath+"/:id/commit", s.APICommitMigration)
	v1.POST(openapi.APIMigrationPath+"/:id/rollback", s.APIRollbackMigration)

	v1.GET(openapi.APIMigrationPath+"/:id/check", s.APICheckStatus)
	v1.POST(openapi.APIMigrationPath+"/:id/check", s.APICreateCheck)
	v1.POST(openapi.APIMigrationPath+"/:id/check/start", s.APIStartCheck)
	v1.POST(openapi.APIMigrationPath+"/:id/check/stop", s.APIStopCheck)
	v1.DELETE(openapi.APIMigrationPath+"/:id/check", s.APIDropCheck)
	v1.GET(openapi.APIAlgorithmPath, s.APIListAlgorithm)

	v1.GET(openapi.APISourcePath, s.APIListSource)
	v1.POST(openapi.APISourcePath, s.APIRegisterSource)
	v1.DELETE(openapi.APISourcePath, s.APIUnregisterSource)

	v1.GET(openapi.APIInstancePath, s.APIListInstance)
	return r, nil
}

// cors used for support cors request
func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type,AccessToken,X-CSRF-Token, Authorization, Token")
		c.Header("Access-Control-Allow-Methods", "POST, GET, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Expose-Headers", "Content-Length, Access-Control-Allow-Origin, Access-Control-Allow-Headers, Content-Type")

		// release all OPTIONS methods
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func success(c *gin.Context, message string, data any) {
	resp := openapi.Response{
		Result:  openapi.ResponseResultStatusSuccess,
		Message: message,
	}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			failed(c, perrors.Annotate(err, "marshal response data"))
			return
		}
		resp.Data = b
	}
	c.JSON(http.StatusOK, resp)
}

func failed(c *gin.Context, err error) {
	logger.Warn("api request failed",
		zap.String("method", c.Request.Method),
		zap.String("request URL", c.Request.URL.String()),
		zap.Error(err))
	c.JSON(http.StatusOK, openapi.Response{
		Result:  openapi.ResponseResultStatusFailed,
		Message: err.Error(),
	})
}

func reply(c *gin.Context, message string, err error) {
	if err != nil {
		failed(c, err)
		return
	}
	success(c, message, nil)
}

func (s *Server) APIExecuteSQL(c *gin.Context) {
	var req openapi.SQLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failed(c, err)
		return
	}
	result, err := s.service.Execute(c.Request.Context(), req.Statement)
	if err != nil {
		failed(c, err)
		return
	}
	success(c, result.Message, result)
}

func (s *Server) APIListMigration(c *gin.Context) {
	jobs, err := s.service.List(c.Request.Context())
	if err != nil {
		failed(c, err)
		return
	}
	success(c, "", jobs)
}

func (s *Server) APICreateMigration(c *gin.Context) {
	var req openapi.MigrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failed(c, err)
		return
	}
	sources := make([]job.TableRef, 0, len(req.Sources))
	for _, t := range req.Sources {
		sources = append(sources, job.TableRef{DataSource: t.Datasource, Table: t.Table})
	}
	jobID, err := s.service.Migrate(c.Request.Context(), sources, job.TableRef{DataSource: req.Target.Datasource, Table: req.Target.Table})
	if err != nil {
		failed(c, err)
		return
	}
	success(c, "the migration job ["+jobID+"] created", map[string]string{"jobId": jobID})
}

func (s *Server) APIMigrationStatus(c *gin.Context) {
	items, err := s.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		failed(c, err)
		return
	}
	success(c, "", items)
}

func (s *Server) APIStartMigration(c *gin.Context) {
	reply(c, "the migration job started", s.service.Start(c.Request.Context(), c.Param("id")))
}

func (s *Server) APIStopMigration(c *gin.Context) {
	reply(c, "the migration job stopped", s.service.Stop(c.Request.Context(), c.Param("id")))
}

func (s *Server) APICommitMigration(c *gin.Context) {
	reply(c, "the migration job committed", s.service.Commit(c.Request.Context(), c.Param("id")))
}

func (s *Server) APIRollbackMigration(c *gin.Context) {
	reply(c, "the migration job rolled back", s.service.Rollback(c.Request.Context(), c.Param("id")))
}

func (s *Server) APICreateCheck(c *gin.Context) {
	var req openapi.CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failed(c, err)
		return
	}
	checkJobID, err := s.service.Check(c.Request.Context(), c.Param("id"), req.AlgorithmType, req.Props)
	if err != nil {
		failed(c, err)
		return
	}
	success(c, "the consistency check job ["+checkJobID+"] created", map[string]string{"checkJobId": checkJobID})
}

func (s *Server) APICheckStatus(c *gin.Context) {
	status, err := s.service.CheckStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		failed(c, err)
		return
	}
	success(c, "", status)
}

func (s *Server) APIStartCheck(c *gin.Context) {
	reply(c, "the consistency check job started", s.service.StartCheck(c.Request.Context(), c.Param("id")))
}

func (s *Server) APIStopCheck(c *gin.Context) {
	reply(c, "the consistency check job stopped", s.service.StopCheck(c.Request.Context(), c.Param("id")))
}

func (s *Server) APIDropCheck(c *gin.Context) {
	reply(c, "the consistency check job dropped", s.service.DropCheck(c.Request.Context(), c.Param("id")))
}

func (s *Server) APIListAlgorithm(c *gin.Context) {
	success(c, "", s.service.CheckAlgorithms())
}

func (s *Server) APIListSource(c *gin.Context) {
	sources, err := s.service.ListSources(c.Request.Context())
	if err != nil {
		failed(c, err)
		return
	}
	success(c, "", sources)
}

func (s *Server) APIRegisterSource(c *gin.Context) {
	var req []openapi.SourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failed(c, err)
		return
	}
	descs := make([]*datasource.Descriptor, 0, len(req))
	for _, r := range req {
		descs = append(descs, &datasource.Descriptor{
			Name:     r.Name,
			DbType:   r.Type,
			URL:      r.URL,
			Username: r.Username,
			Password: r.Password,
			Props:    r.Props,
		})
	}
	reply(c, "the storage units registered", s.service.RegisterSources(c.Request.Context(), descs))
}

func (s *Server) APIUnregisterSource(c *gin.Context) {
	reply(c, "the storage units unregistered", s.service.UnregisterSources(c.Request.Context(), c.QueryArray("name")))
}

func (s *Server) APIListInstance(c *gin.Context) {
	if s.etcdClient == nil {
		success(c, "", []*etcdutil.Instance{{
			Name:      s.ServerOptions.Name,
			Addr:      s.ServerOptions.Addr,
			StartTime: s.startTime,
		}})
		return
	}
	instances, err := etcdutil.ListInstances(c.Request.Context(), s.etcdClient)
	if err != nil {
		failed(c, err)
		return
	}
	success(c, "", instances)
}
