package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplesurance/buildconfd/internal/buildbot"
	"github.com/simplesurance/buildconfd/internal/buildconf"
	"github.com/simplesurance/buildconfd/internal/cfg"
	"github.com/simplesurance/buildconfd/internal/githubclt"
	"github.com/simplesurance/buildconfd/internal/gitlabclt"
	"github.com/simplesurance/buildconfd/internal/gitporcelain"
	"github.com/simplesurance/buildconfd/internal/logfields"
	"github.com/simplesurance/buildconfd/internal/poller"
	"github.com/simplesurance/buildconfd/internal/prcache"
	"github.com/simplesurance/buildconfd/internal/prfilter"
	"github.com/simplesurance/buildconfd/internal/retryer"
	"github.com/simplesurance/buildconfd/internal/service"
	"github.com/simplesurance/buildconfd/internal/workspace"
)

const appName = "buildconfd"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught , terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

func startHTTPServer(listenAddr string, mux *http.ServeMux) {
	httpServer := http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating http server",
			logfields.Event("http_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down http server failed",
				logfields.Event("http_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
	DryRun      *bool
}

var args arguments

const defConfigFile = "/etc/buildconfd/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the buildconfd configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
		DryRun: pflag.Bool(
			"dry-run",
			false,
			"do not modify branches and do not trigger builds, only log what would be done",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nMaintain build configuration override branches for pull requests and trigger buildbot builds.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration files", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else if err := (&logLevel).Set(config.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "can not set log level to %q: %s \n", config.LogLevel, err)
		os.Exit(2)
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

func newService(config *cfg.Config, host string) (service.Service, error) {
	svcCfg := config.Services[host]
	token := config.AccessToken(host)

	switch svcCfg.Service {
	case cfg.ServiceGitHub:
		return githubclt.New(
			token,
			svcCfg.APIEndpoint,
			githubclt.WithCommitStrategy(config.CommitStrategy()),
			githubclt.WithMergeabilityTimeout(config.MergeabilityTimeout()),
			githubclt.WithMergeabilityCacheLifetime(config.MergeabilityCacheLifetimeDuration()),
		)

	case cfg.ServiceGitLab:
		return gitlabclt.New(
			token,
			svcCfg.APIEndpoint,
			gitlabclt.WithCommitStrategy(config.CommitStrategy()),
		)

	default:
		return nil, fmt.Errorf("unsupported service: %q", svcCfg.Service)
	}
}

func mustInitServices(config *cfg.Config) *service.Registry {
	registry := service.NewRegistry()

	for _, host := range config.Hosts() {
		svc, err := newService(config, host)
		if err != nil {
			logger.Fatal(
				"creating hosting service client failed",
				logfields.Event("service_init_failed"),
				logfields.Host(host),
				zap.Error(err),
			)
		}

		registry.Register(host, service.WithRetries(
			svc,
			retryer.New(
				svc.RateLimit,
				retryer.WithAttempts(uint64(config.APIRetryAttempts)),
				retryer.WithDelay(config.APIRetryDelay()),
			),
		))

		logger.Info(
			"registered hosting service",
			logfields.Event("service_registered"),
			logfields.Host(host),
			logfields.Service(config.Services[host].Service),
			zap.String("api_endpoint", config.Services[host].APIEndpoint),
		)
	}

	if *args.DryRun {
		registry.Wrap(func(_ string, svc service.Service) service.Service {
			return service.NewDryService(svc, logger)
		})
	}

	return registry
}

func newNotifier(config *cfg.Config) buildbot.Notifier {
	if *args.DryRun {
		return buildbot.NewDryNotifier(logger)
	}

	var opts []buildbot.Option
	if config.BuildbotUser != "" {
		opts = append(opts, buildbot.WithAuth(config.BuildbotUser, config.BuildbotPassword))
	}

	return buildbot.NewClient(config.BuildbotHost, config.BuildbotPort, opts...)
}

func newPorcelain(config *cfg.Config, manifest *workspace.Manifest) buildconf.Porcelain {
	if *args.DryRun {
		return buildconf.NewDryPorcelain(logger)
	}

	return gitporcelain.New(
		config.BuildconfCheckoutDir,
		manifest.Buildconf.URL,
		manifest.Buildconf.Branch,
		gitporcelain.WithBasicAuth(appName, config.AccessToken(manifest.Buildconf.Repo.Host)),
	)
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()

	mustInitLogger(config)

	filter, err := prfilter.New(config.PRFilterQuery)
	exitOnErr(fmt.Sprintf("could not parse pr_filter_query from configuration file: %s", *args.ConfigFile), err)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.Bool("dry_run", *args.DryRun),
		zap.String("daemon_api_key", hide(config.APIKey)),
		zap.Duration("daemon_polling_period", config.PollingPeriod()),
		zap.Duration("daemon_max_age", config.MaxAge()),
		zap.String("daemon_buildbot_host", config.BuildbotHost),
		zap.Int("daemon_buildbot_port", config.BuildbotPort),
		zap.String("daemon_buildbot_user", config.BuildbotUser),
		zap.String("daemon_buildbot_password", hide(config.BuildbotPassword)),
		zap.String("daemon_project", config.Project),
		zap.Strings("daemon_services", config.Hosts()),
		zap.String("pr_commit_strategy", config.PRCommitStrategy),
		zap.Stringer("pr_filter_query", filter),
		zap.Duration("mergeability_timeout", config.MergeabilityTimeout()),
		zap.Duration("mergeability_cache_lifetime", config.MergeabilityCacheLifetimeDuration()),
		zap.Int("api_retry_attempts", config.APIRetryAttempts),
		zap.Duration("api_retry_delay", config.APIRetryDelay()),
		zap.String("cache_file", config.CacheFile),
		zap.String("state_file", config.StateFile),
		zap.String("manifest_file", config.ManifestFile),
		zap.String("workspace_dir", config.WorkspaceDir),
		zap.Strings("workspace_update_command", config.WorkspaceUpdateCommand),
		zap.String("buildconf_checkout_dir", config.BuildconfCheckoutDir),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
	)

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
		cancelFn()
	})

	services := mustInitServices(config)

	cache := prcache.New(config.CacheFile)
	if err := cache.Load(); err != nil {
		logger.Fatal("loading cache failed", logfields.Event("pr_cache_load_failed"), zap.Error(err))
	}

	state, err := poller.LoadState(config.StateFile)
	if err != nil {
		logger.Fatal("loading state failed", logfields.Event("state_load_failed"), zap.Error(err))
	}

	notifier := newNotifier(config)
	status := poller.NewStatus()

	if config.HTTPListenAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/", status.HTTPHandler)
		mux.Handle("/metrics", promhttp.Handler())

		startHTTPServer(config.HTTPListenAddr, mux)
	}

	loadManifest := func() (*workspace.Manifest, error) {
		return workspace.LoadManifest(config.ManifestFile)
	}

	newDaemon := func(manifest *workspace.Manifest, state *poller.State) (poller.Runner, error) {
		project := config.Project
		if project == "" {
			project = manifest.Name
		}

		if _, err := services.Lookup(manifest.Buildconf.Repo); err != nil {
			return nil, fmt.Errorf("build configuration repository: %w", err)
		}

		mgr := buildconf.NewManager(project, manifest, services, newPorcelain(config, manifest))

		return poller.NewDaemon(
			manifest,
			services,
			mgr,
			cache,
			notifier,
			state,
			poller.WithPollingPeriod(config.PollingPeriod()),
			poller.WithMaxAge(config.MaxAge()),
			poller.WithFilter(filter),
			poller.WithStatus(status),
		), nil
	}

	supervisor := poller.NewSupervisor(
		loadManifest,
		newDaemon,
		workspace.NewCommandUpdater(config.WorkspaceDir, config.WorkspaceUpdateCommand...),
		state,
	)

	err = supervisor.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("daemon terminated", logfields.Event("daemon_terminated"))
		return
	}

	logger.Fatal("daemon terminated unexpectedly", logfields.Event("daemon_terminated_unexpectedly"), zap.Error(err))
}
