// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"

	"github.com/yduwcui/ccproxy/configapi"
	"github.com/yduwcui/ccproxy/internal/classifier"
	"github.com/yduwcui/ccproxy/internal/credentials"
	"github.com/yduwcui/ccproxy/internal/handler"
	"github.com/yduwcui/ccproxy/internal/metrics"
	"github.com/yduwcui/ccproxy/internal/mitm"
	mitmstore "github.com/yduwcui/ccproxy/internal/mitm/store"
	"github.com/yduwcui/ccproxy/internal/pipeline"
	"github.com/yduwcui/ccproxy/internal/pipeline/hooks"
	"github.com/yduwcui/ccproxy/internal/preflight"
	"github.com/yduwcui/ccproxy/internal/requeststore"
	"github.com/yduwcui/ccproxy/internal/routing"
	"github.com/yduwcui/ccproxy/internal/server"
)

// configWatchTick is the polling interval for config hot reload.
const configWatchTick = 5 * time.Second

// processFingerprints identify stale instances of the processes this command
// manages during preflight.
var processFingerprints = []string{"ccproxy run", "ccproxy/config.yaml"}

// reloadReceiver rebuilds the reloadable pieces on a config change.
type reloadReceiver struct {
	classifier *classifier.Classifier
	table      *routing.Table
	logger     *slog.Logger
}

// LoadConfig implements configapi.ConfigReceiver.
func (r *reloadReceiver) LoadConfig(ctx context.Context, cfg *configapi.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := r.classifier.ReplaceRules(cfg.Rules); err != nil {
		return fmt.Errorf("rebuild rules: %w", err)
	}
	if err := r.table.Reload(ctx); err != nil {
		r.logger.Warn("model reload on config change failed", slog.String("error", err.Error()))
	}
	return nil
}

// run wires the whole proxy together and serves until ctx is cancelled.
func run(ctx context.Context, c cmdRun, _, stderr io.Writer) error {
	level := slog.LevelInfo
	if c.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	var cfg *configapi.Config
	var err error
	if c.Path == "" {
		cfg = configapi.MustLoadDefaultConfig()
	} else if cfg, err = configapi.UnmarshalConfigYaml(c.Path); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Debug {
		logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	listenPort := c.Port
	if listenPort == 0 {
		listenPort = configapi.DefaultListenPort
	}
	mitmPort := cfg.MITM.Port
	if mitmPort == 0 {
		mitmPort = configapi.DefaultMITMPort
	}

	ports := []int{listenPort, c.AdminPort}
	if cfg.MITM.Enabled {
		ports = append(ports, mitmPort)
	}
	pidFile := filepath.Join(c.PidFileDir, "ccproxy.pid")
	check := preflight.New(logger, processFingerprints, []string{pidFile}, ports)
	if err = check.Run(ctx); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	if err = preflight.WritePidFile(pidFile); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer preflight.RemovePidFile(pidFile)

	creds := credentials.NewStore(cfg, logger)
	if err = creds.LoadAll(ctx); err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	modelList := c.ModelList
	if modelList == "" && c.Path != "" {
		modelList = filepath.Join(filepath.Dir(c.Path), "models.yaml")
	}
	var lister routing.ModelLister
	if modelList != "" {
		lister = &routing.FileLister{Path: modelList}
	} else {
		lister = &routing.StaticLister{}
	}
	table, err := routing.NewTable(ctx, lister, logger)
	if err != nil {
		return fmt.Errorf("build routing table: %w", err)
	}

	cls, err := classifier.New(cfg.Rules, logger)
	if err != nil {
		return fmt.Errorf("build classifier: %w", err)
	}

	deps := &hooks.Deps{
		Classifier:  cls,
		Table:       table,
		Credentials: creds,
		Requests:    requeststore.New(0),
		Logger:      logger,
		Passthrough: cfg.PassthroughEnabled(),
	}
	specs, err := hooks.BuildSpecs(deps, cfg.Hooks)
	if err != nil {
		return fmt.Errorf("build hooks: %w", err)
	}
	pipe, err := pipeline.New(specs, logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	registry := promclient.NewRegistry()
	meter, shutdownMetrics, err := metrics.Setup(registry)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()
	m, err := metrics.New(meter)
	if err != nil {
		return err
	}
	creds.OnRefresh = func(provider string, ok bool) {
		m.RecordRefresh(context.Background(), provider, ok)
	}

	var srv *server.Server
	h := handler.New(ctx, pipe, creds,
		func(ctx context.Context, data map[string]any) (map[string]any, error) {
			return srv.Upstream(ctx, data)
		}, logger)
	srv = server.New(h, m, logger)

	if c.Path != "" {
		rcv := &reloadReceiver{classifier: cls, table: table, logger: logger}
		if err = configapi.StartConfigWatcher(ctx, c.Path, rcv, logger, configWatchTick); err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
	}

	servers := []*http.Server{
		{Addr: fmt.Sprintf(":%d", listenPort), Handler: srv.Mux()},
		{Addr: fmt.Sprintf(":%d", c.AdminPort), Handler: server.NewAdminMux(registry, h)},
	}

	if cfg.MITM.Enabled {
		var traceStore mitm.TraceStore
		if cfg.MITM.DatabaseURL != "" {
			sqlStore, serr := mitmstore.Open(cfg.MITM.DatabaseURL)
			if serr != nil {
				return fmt.Errorf("open trace store: %w", serr)
			}
			defer sqlStore.Close()
			traceStore = sqlStore
		}
		addon := mitm.NewAddon(traceStore, cfg.MITM, logger)
		defer addon.Close()
		target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", listenPort)}
		servers = append(servers, &http.Server{
			Addr:    fmt.Sprintf(":%d", mitmPort),
			Handler: mitm.NewProxy(target, addon, logger),
		})
	}

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		s := s
		logger.Info("listening", slog.String("addr", s.Addr))
		go func() {
			if serveErr := s.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				errCh <- serveErr
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
		logger.Error("server failed", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range servers {
		_ = s.Shutdown(shutdownCtx)
	}
	return err
}
