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
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"

	perrors "github.com/pingcap/errors"
	"github.com/robfig/cron/v3"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/wentaojin/scaling/database/connector"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model"
	"github.com/wentaojin/scaling/model/datasource"
	modeltask "github.com/wentaojin/scaling/model/task"
	"github.com/wentaojin/scaling/openapi"
	"github.com/wentaojin/scaling/pipeline/check"
	"github.com/wentaojin/scaling/pipeline/governance"
	"github.com/wentaojin/scaling/pipeline/job"
	"github.com/wentaojin/scaling/service"
	"github.com/wentaojin/scaling/utils/configutil"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/etcdutil"
	"github.com/wentaojin/scaling/utils/stringutil"
)

type Server struct {
	*Config

	// the embed etcd server, only started in standalone mode
	etcdSrv    etcdutil.Embed
	etcdClient *clientv3.Client
	register   *etcdutil.Register

	repo    governance.Repository
	jobs    *governance.JobAPI
	metaDB  *model.MetaDatabase
	runner  *job.Runner
	service *service.MigrationService

	handler http.Handler
	httpSrv *http.Server
	cron    *cron.Cron

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	startTime string
}

// NewServer creates a new server
func NewServer(cfg *Config) *Server {
	return &Server{
		Config: cfg,
		cron:   cron.New(cron.WithLogger(logger.NewCronLogger(logger.GetRootLogger()))),
	}
}

// Start builds the governance store, the metadata database and the job
// runner, then serves the http api until Close
func (s *Server) Start(ctx context.Context) error {
	s.startTime = stringutil.CurrentTimeFormatString()
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.initGovernance(ctx); err != nil {
		return err
	}

	var (
		sources   datasource.IDatasource = datasource.NewMemoryDatasource()
		logRW     modeltask.ILog
		archiveRW modeltask.ICheckArchive
	)
	if s.MetaDB.Enabled() {
		metaDB, err := model.NewDatabase(ctx, s.MetaDB, s.LogConfig.LogLevel)
		if err != nil {
			return perrors.Annotatef(err, "open the metadata database [%s]", s.MetaDB.String())
		}
		s.metaDB = metaDB
		sources, logRW, archiveRW = metaDB.DatasourceRW(), metaDB.LogRW(), metaDB.CheckArchiveRW()
	} else {
		logger.Warn("the metadata database is not configured, the storage units are kept in memory")
	}

	factory := connector.NewFactory()
	s.runner = job.NewRunner(s.jobs, map[string]job.Executor{
		constant.JobTypeMigration:        job.NewMigrationExecutor(sources, factory),
		constant.JobTypeConsistencyCheck: check.NewExecutor(sources, factory, archiveRW),
	}, logRW)
	s.service = service.NewMigrationService(s.jobs, s.runner, sources, factory,
		service.WithPipelineConfig(s.PipelineConfig),
		service.WithTaskLog(logRW),
		service.WithCheckArchive(archiveRW))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchJobs(ctx)
	}()

	if s.etcdClient != nil {
		s.register = etcdutil.NewServiceRegister(s.etcdClient, &etcdutil.Instance{
			Name:      s.ServerOptions.Name,
			Addr:      s.ServerOptions.Addr,
			StartTime: s.startTime,
		}, s.ServerOptions.KeepaliveTTL)
		if err := s.register.Register(ctx); err != nil {
			return perrors.Trace(err)
		}
	}

	if _, err := s.cron.AddFunc(s.ServerOptions.ProgressCron, func() { s.reportProgress(ctx) }); err != nil {
		return perrors.Annotatef(err, "add the progress crontab [%s]", s.ServerOptions.ProgressCron)
	}
	s.cron.Start()

	return s.serve()
}

func (s *Server) initGovernance(ctx context.Context) error {
	var endpoints []string
	switch {
	case s.ServerOptions.Embed:
		s.etcdSrv = etcdutil.NewETCDServer()
		err := s.etcdSrv.Init(
			configutil.WithEmbedName(s.EmbedOptions.Name),
			configutil.WithEmbedDir(s.EmbedOptions.DataDir),
			configutil.WithEmbedClientAddr(s.EmbedOptions.ClientAddr),
			configutil.WithEmbedPeerAddr(s.EmbedOptions.PeerAddr),
			configutil.WithEmbedClusterState(s.EmbedOptions.InitialClusterState),
			configutil.WithEmbedStartTimeout(s.EmbedOptions.StartTimeout),
			configutil.WithEmbedLogger(logger.GetRootLogger()),
			configutil.WithEmbedLogLevel(s.EmbedOptions.LogLevel),
		)
		if err != nil {
			return perrors.Trace(err)
		}
		if err = s.etcdSrv.Run(); err != nil {
			return perrors.Trace(err)
		}
		endpoints = s.etcdSrv.ClientEndpoints()
	case s.ServerOptions.Endpoints != "":
		for _, ep := range strings.Split(s.ServerOptions.Endpoints, constant.StringSeparatorComma) {
			if ep = strings.TrimSpace(ep); ep != "" {
				endpoints = append(endpoints, ep)
			}
		}
	}

	if len(endpoints) == 0 {
		logger.Warn("the governance store is not configured, the jobs are kept in memory and lost on restart")
		s.repo = governance.NewMemoryRepository()
		s.jobs = governance.NewJobAPI(s.repo)
		return nil
	}

	tlsCfg, err := etcdutil.NewTLSConfig(s.ServerOptions.SSLCA, s.ServerOptions.SSLCert, s.ServerOptions.SSLKey)
	if err != nil {
		return perrors.Trace(err)
	}
	s.etcdClient, err = etcdutil.CreateClient(ctx, endpoints, tlsCfg)
	if err != nil {
		return perrors.Annotatef(err, "create the governance etcd client %v", endpoints)
	}
	s.repo = governance.NewEtcdRepository(s.etcdClient, int(s.ServerOptions.KeepaliveTTL))
	s.jobs = governance.NewJobAPI(s.repo)
	logger.Info("the governance store connected", zap.Strings("endpoints", endpoints), zap.Bool("embed", s.ServerOptions.Embed))
	return nil
}

func (s *Server) serve() error {
	apiHandler, err := s.initAPIHandler()
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle(openapi.ScalingAPIBasePath, apiHandler)
	mux.Handle(openapi.DebugAPIBasePath, openapi.GetHTTPDebugHandler())
	s.handler = mux

	lis, err := net.Listen("tcp", s.ServerOptions.Addr)
	if err != nil {
		return perrors.Annotatef(err, "listen the server addr [%s]", s.ServerOptions.Addr)
	}
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: constant.DefaultServerRequestTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logger.Info("listening server addr request", zap.String("address", lis.Addr().String()))
		if err := s.httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("the http api server exited", zap.Error(err))
		}
	}()
	return nil
}

// Handler returns the http handler serving the api and debug routes
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Service returns the migration service behind the api
func (s *Server) Service() *service.MigrationService {
	return s.service
}

// reportProgress logs a progress summary of every job running on this instance
func (s *Server) reportProgress(ctx context.Context) {
	for _, jobID := range s.runner.RunningJobs() {
		for _, item := range s.runner.Items(jobID) {
			p := item.Progress()
			fields := []zap.Field{
				zap.String("job_id", jobID),
				zap.Int("sharding_item", item.ShardingItem),
				zap.String("status", p.Status),
				zap.Int64("processed", item.ProcessedRecordCount()),
			}
			if p.Incremental != nil {
				fields = append(fields,
					zap.String("position", p.Incremental.Position),
					zap.Int64("delay_millis", p.Incremental.DelayMillis()))
			}
			if p.Check != nil {
				fields = append(fields, zap.Int("check_percentage", p.Check.Percentage()))
			}
			logger.Info("the job progress", fields...)
		}
	}
	if s.etcdClient != nil {
		instances, err := etcdutil.ListInstances(ctx, s.etcdClient)
		if err != nil {
			logger.Warn("list the server instances failed", zap.Error(err))
			return
		}
		logger.Debug("the server instances", zap.Int("alive", len(instances)))
	}
}

// Close stops the running jobs and releases the stores, it can be called multiple times
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		logger.Info("scaling closing server")
		defer logger.Info("scaling server closed")

		timeout := s.ServerOptions.ShutdownTimeout
		if timeout <= 0 {
			timeout = constant.DefaultServerShutdownTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		<-s.cron.Stop().Done()
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				logger.Warn("shutdown the http api server failed", zap.Error(err))
			}
		}
		if s.runner != nil {
			s.runner.Close(ctx)
		}
		if s.register != nil {
			if err := s.register.Revoke(ctx); err != nil {
				logger.Warn("revoke the server instance failed", zap.Error(err))
			}
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		if s.repo != nil {
			_ = s.repo.Close()
		}
		if s.etcdClient != nil {
			_ = s.etcdClient.Close()
		}
		if s.metaDB != nil {
			if err := s.metaDB.Close(); err != nil {
				logger.Warn("close the metadata database failed", zap.Error(err))
			}
		}
		if s.etcdSrv != nil {
			s.etcdSrv.Close()
		}
	})
}

