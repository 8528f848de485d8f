/*
Copyright 2025 The Kubernetes Authors.

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

// Package runner wires the dispatcher process: flags, logging, config, the
// collective group for the deployment mode, the engine loop, and the health
// and metrics servers.
package runner

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/janhq/tensorrtllm-backend/internal/runnable"
	internaltls "github.com/janhq/tensorrtllm-backend/internal/tls"
	"github.com/janhq/tensorrtllm-backend/pkg/dispatch"
	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/collective"
	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/config"
	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/engine"
	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/metrics"
	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/orchestration"
	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/queue"
	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/env"
	logutil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/logging"
	"github.com/janhq/tensorrtllm-backend/version"
)

const (
	defaultGrpcHealthPort = 9003
	defaultMetricsPort    = 9090
	defaultStepInterval   = 10 * time.Millisecond
)

var (
	grpcHealthPort = flag.Int(
		"grpc-health-port",
		defaultGrpcHealthPort,
		"The port used for gRPC liveness and readiness probes")
	metricsPort = flag.Int(
		"metrics-port",
		defaultMetricsPort,
		"The metrics port")
	enablePprof = flag.Bool(
		"enable-pprof",
		true,
		"Enables pprof handlers. Defaults to true. Set to false to disable pprof handlers.")
	logVerbosity = flag.Int(
		"v",
		logutil.DEFAULT,
		"number for the log level verbosity")
	secureServing = flag.Bool(
		"secure-serving",
		false,
		"Enables secure serving of the health service. Defaults to false.")
	certPath = flag.String(
		"cert-path",
		"",
		"The path to the certificate for secure serving. The certificate and private key files "+
			"are assumed to be named tls.crt and tls.key, respectively. If not set, and secure serving is enabled, "+
			"then a self-signed certificate is used.")
	// configuration flags
	configFile = flag.String(
		"config-file",
		"",
		"The path to the configuration file")
	configText = flag.String(
		"config-text",
		"",
		"The configuration specified as text, in lieu of a file")
	// engine flags
	stepInterval = flag.Duration(
		"step-interval",
		defaultStepInterval,
		"Interval between engine scheduling iterations")
	// synthetic traffic flags, direct mode only
	harnessRequests = flag.Int(
		"harness-requests",
		0,
		"Number of synthetic requests to feed the queue in direct mode. 0 disables the harness.")
	harnessPromptLength = flag.Int(
		"harness-prompt-length",
		8,
		"Token count of each synthetic request")
	harnessInterval = flag.Duration(
		"harness-interval",
		100*time.Millisecond,
		"Interval between synthetic requests")

	setupLog = ctrl.Log.WithName("setup")
)

// NewRunner initializes a new dispatcher Runner and returns its pointer.
func NewRunner() *Runner {
	return &Runner{}
}

// Runner runs the dispatcher process. An engine may be injected for tests;
// the default is the fake token-echo engine.
type Runner struct {
	engine interface {
		engine.BatchEngine
		Run(ctx context.Context, interval time.Duration) error
	}
}

func (r *Runner) WithEngine(e *engine.Fake) *Runner {
	r.engine = e
	return r
}

func bindEnvToFlags() {
	// map[ENV_VAR]flagName   – add more as needed
	for env, flg := range map[string]string{
		"GRPC_HEALTH_PORT": "grpc-health-port",
		"METRICS_PORT":     "metrics-port",
		"CONFIG_FILE":      "config-file",
		"SECURE_SERVING":   "secure-serving",
		"STEP_INTERVAL":    "step-interval",
	} {
		if v := os.Getenv(env); v != "" {
			// ignore error; Parse() will catch invalid values later
			_ = flag.Set(flg, v)
		}
	}
}

// applyEnvOverrides layers launcher-provided process topology over the loaded
// configuration. MPI-style launchers place each rank through the environment
// rather than through per-rank config files, so the environment wins.
func applyEnvOverrides(cfg *config.Config, logger logr.Logger) {
	rank := int32(env.GetEnvInt("GROUP_RANK", int(*cfg.Deployment.GroupRank), logger))
	size := int32(env.GetEnvInt("GROUP_SIZE", int(*cfg.Deployment.GroupSize), logger))
	cfg.Deployment.GroupRank = &rank
	cfg.Deployment.GroupSize = &size
	cfg.Deployment.GroupAddr = env.GetEnvString("GROUP_ADDR", cfg.Deployment.GroupAddr, logger)
	cfg.Deployment.OrchestratorAddr = env.GetEnvString("ORCHESTRATOR_ADDR", cfg.Deployment.OrchestratorAddr, logger)
}

func (r *Runner) Run(ctx context.Context) error {
	bindEnvToFlags()

	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()
	initLogging(&opts)

	setupLog.Info("Dispatcher build", "commit-sha", version.CommitSHA, "build-ref", version.BuildRef)

	if err := validateFlags(); err != nil {
		setupLog.Error(err, "Failed to validate flags")
		return err
	}

	// Print all flag values
	flags := make(map[string]any)
	flag.VisitAll(func(f *flag.Flag) {
		flags[f.Name] = f.Value
	})
	setupLog.Info("Flags processed", "flags", flags)

	cfg, err := loadConfig()
	if err != nil {
		setupLog.Error(err, "Failed to load configuration")
		return err
	}
	cfg.ApplyDefaults(setupLog)
	applyEnvOverrides(cfg, setupLog.V(logutil.VERBOSE))
	if err := cfg.Validate(); err != nil {
		setupLog.Error(err, "The configuration is invalid")
		return err
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	if r.engine == nil {
		r.engine = engine.NewFake(int(*cfg.Engine.MaxBatchSize))
	}

	rank := int(*cfg.Deployment.GroupRank)
	size := int(*cfg.Deployment.GroupSize)

	group, err := formGroup(ctx, cfg, rank, size)
	if err != nil {
		setupLog.Error(err, "Failed to form the process group", "rank", rank, "size", size)
		return err
	}

	var (
		workQueue *queue.WorkItemsQueue
		link      *orchestration.LeaderLink
	)
	if rank == 0 {
		if addr := cfg.Deployment.OrchestratorAddr; addr != "" {
			setupLog.Info("Waiting for the orchestrator to connect", "addr", addr)
			listener, err := collective.NewPeerListener(ctx, addr)
			if err != nil {
				setupLog.Error(err, "Failed to listen for the orchestrator", "addr", addr)
				return err
			}
			peer, err := listener.Accept(ctx)
			if err != nil {
				setupLog.Error(err, "Failed to accept the orchestrator connection", "addr", addr)
				return err
			}
			link = orchestration.NewLeaderLink(peer)
		} else {
			workQueue = queue.NewWorkItemsQueue()
		}
	}

	coordinator, err := dispatch.NewCoordinator(dispatch.Options{
		Queue:  workQueue,
		Link:   link,
		Group:  group,
		Engine: r.engine,
	})
	if err != nil {
		setupLog.Error(err, "Failed to create the coordinator")
		return err
	}
	if err := coordinator.Register(); err != nil {
		setupLog.Error(err, "Failed to register the coordinator with the engine")
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errGroup, ctx := errgroup.WithContext(ctx)

	ready := &atomic.Bool{}
	if err := r.startHealthServer(ctx, errGroup, ready); err != nil {
		return err
	}
	r.startMetricsServer(ctx, errGroup, registry)

	errGroup.Go(func() error {
		return r.engine.Run(ctx, *stepInterval)
	})

	if link != nil {
		errGroup.Go(func() error {
			return link.Run(ctx)
		})
		// The orchestrator owns the process lifetime in this mode; its
		// termination message shuts the dispatcher down.
		errGroup.Go(func() error {
			select {
			case <-link.Terminated():
				setupLog.Info("Orchestrator link terminated, shutting down")
				cancel()
			case <-ctx.Done():
			}
			return nil
		})
	}
	if workQueue != nil && *harnessRequests > 0 {
		errGroup.Go(func() error {
			return runHarness(ctx, workQueue, *harnessRequests, *harnessPromptLength, *harnessInterval)
		})
	}

	ready.Store(true)
	setupLog.Info("Dispatcher started", "rank", rank, "size", size, "mode", mode(workQueue, link))

	if err := errGroup.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		setupLog.Error(err, "Dispatcher terminated")
		return err
	}
	setupLog.Info("Dispatcher terminated")
	return nil
}

func mode(q *queue.WorkItemsQueue, link *orchestration.LeaderLink) string {
	switch {
	case link != nil:
		return "orchestrated-leader"
	case q != nil:
		return "direct-leader"
	default:
		return "worker"
	}
}

func loadConfig() (*config.Config, error) {
	if *configText != "" {
		return config.LoadBytes([]byte(*configText))
	}
	if *configFile != "" {
		return config.Load(*configFile)
	}
	return &config.Config{}, nil
}

// formGroup joins or serves the model-parallel group. Rank 0 accepts the
// other ranks; everyone else dials in.
func formGroup(ctx context.Context, cfg *config.Config, rank, size int) (collective.Group, error) {
	if size <= 1 {
		return nil, nil
	}
	if rank == 0 {
		listener, err := collective.NewGroupListener(ctx, cfg.Deployment.GroupAddr)
		if err != nil {
			return nil, err
		}
		setupLog.Info("Waiting for the process group to form", "addr", listener.Addr(), "size", size)
		return listener.Accept(ctx, size)
	}
	return collective.JoinGroup(ctx, cfg.Deployment.GroupAddr, rank, size)
}

func (r *Runner) startHealthServer(ctx context.Context, errGroup *errgroup.Group, ready *atomic.Bool) error {
	var serverOpts []grpc.ServerOption
	if *secureServing {
		cert, err := serverCertificate()
		if err != nil {
			setupLog.Error(err, "Failed to load the serving certificate")
			return err
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(&tls.Config{
			Certificates: []tls.Certificate{cert},
		})))
	}

	srv := grpc.NewServer(serverOpts...)
	healthPb.RegisterHealthServer(srv, &healthServer{
		logger: ctrl.Log.WithName("health"),
		ready:  ready,
	})
	serve := runnable.GRPCServer("health", srv, *grpcHealthPort)
	errGroup.Go(func() error {
		return serve(ctx)
	})
	return nil
}

func serverCertificate() (tls.Certificate, error) {
	if *certPath != "" {
		return tls.LoadX509KeyPair(*certPath+"/tls.crt", *certPath+"/tls.key")
	}
	return internaltls.CreateSelfSignedTLSCertificate(setupLog)
}

func (r *Runner) startMetricsServer(ctx context.Context, errGroup *errgroup.Group, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if *enablePprof {
		setupLog.Info("Enabling pprof handlers")
		for _, p := range []string{"heap", "goroutine", "allocs", "threadcreate", "block", "mutex"} {
			mux.Handle("/debug/pprof/"+p, pprof.Handler(p))
		}
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *metricsPort),
		Handler: mux,
	}
	errGroup.Go(func() error {
		setupLog.Info("Metrics server starting", "port", *metricsPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	errGroup.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func initLogging(opts *zap.Options) {
	// Unless -zap-log-level is explicitly set, use -v
	useV := true
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "zap-log-level" {
			useV = false
		}
	})
	if useV {
		// See https://pkg.go.dev/sigs.k8s.io/controller-runtime/pkg/log/zap#Options.Level
		lvl := -1 * (*logVerbosity)
		opts.Level = uberzap.NewAtomicLevelAt(zapcore.Level(int8(lvl)))
	}

	logger := zap.New(zap.UseFlagOptions(opts), zap.RawZapOpts(uberzap.AddCaller()))
	ctrl.SetLogger(logger)
}

func validateFlags() error {
	if *configText != "" && *configFile != "" {
		return fmt.Errorf("both the %q and %q flags can not be set at the same time", "config-text", "config-file")
	}
	if *harnessRequests < 0 || *harnessPromptLength < 1 {
		return fmt.Errorf("invalid synthetic traffic flags")
	}
	return nil
}
