// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/traitforge/services/generator/orchestrator"
	"github.com/AleutianAI/traitforge/services/generator/telemetry"
)

// progress is the live view of a run served on /status.
//
// # Thread Safety
//
// Safe for concurrent use. Commit is called from the engine's
// coordinator goroutine; the handlers read concurrently.
type progress struct {
	requested int
	startedAt time.Time

	committed atomic.Int64
	lastItem  atomic.Int64

	mu     sync.Mutex
	report *orchestrator.Report
}

func newProgress(requested int, startedAt time.Time) *progress {
	return &progress{requested: requested, startedAt: startedAt}
}

// Commit records a committed item. It matches orchestrator.Config.OnCommit.
func (p *progress) Commit(item orchestrator.Item) {
	p.committed.Add(1)
	p.lastItem.Store(int64(item.Index))
}

// Finish stores the final report.
func (p *progress) Finish(r *orchestrator.Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.report = r
}

type statusResponse struct {
	State     string               `json:"state"`
	Requested int                  `json:"requested"`
	Committed int64                `json:"committed"`
	LastItem  int64                `json:"last_item"`
	Elapsed   string               `json:"elapsed"`
	Report    *orchestrator.Report `json:"report,omitempty"`
}

func (p *progress) status(now time.Time) statusResponse {
	p.mu.Lock()
	report := p.report
	p.mu.Unlock()

	resp := statusResponse{
		State:     "running",
		Requested: p.requested,
		Committed: p.committed.Load(),
		LastItem:  p.lastItem.Load(),
		Elapsed:   now.Sub(p.startedAt).Round(time.Millisecond).String(),
		Report:    report,
	}
	if report != nil {
		resp.State = "finished"
		if report.Interrupted {
			resp.State = "interrupted"
		}
	}
	return resp
}

// newStatusRouter serves /health and /status, plus /metrics when the
// Prometheus exporter is enabled. Requests are traced with otelgin.
func newStatusRouter(p *progress) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("traitforge-status"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, p.status(time.Now()))
	})
	if h := telemetry.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}
	return router
}

// statusServer runs the status router until Shutdown.
type statusServer struct {
	srv    *http.Server
	logger *slog.Logger
	done   chan struct{}
}

func startStatusServer(addr string, p *progress, logger *slog.Logger) *statusServer {
	s := &statusServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           newStatusRouter(p),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		logger.Info("status server listening", slog.String("addr", addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", slog.String("error", err.Error()))
		}
	}()
	return s
}

// Shutdown stops the server, waiting up to five seconds for requests.
func (s *statusServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("status server shutdown", slog.String("error", err.Error()))
	}
	<-s.done
}
