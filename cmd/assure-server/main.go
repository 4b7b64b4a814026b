package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/sealedledger/assure/internal/auditsvc"
	"github.com/sealedledger/assure/internal/authz"
	"github.com/sealedledger/assure/internal/buffering"
	"github.com/sealedledger/assure/internal/config"
	"github.com/sealedledger/assure/internal/csvsink"
	"github.com/sealedledger/assure/internal/eventschema"
	"github.com/sealedledger/assure/internal/httpapi"
	"github.com/sealedledger/assure/internal/sink"
)

func main() {
	logger := log.NewHelper(log.With(log.DefaultLogger, "module", "assure-server"))
	cfg := config.Load()

	csv, err := csvsink.New(csvsink.Options{
		LogDirectory: cfg.DataDir,
		Security: csvsink.SecurityConfig{
			Enabled:           cfg.SecurityEnabled,
			Password:          cfg.SecurityPassword,
			SignatureInterval: cfg.SignatureInterval,
		},
		Schemas:       map[string]eventschema.Schema{"access": eventschema.AccessSchema()},
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Fatalf("csvsink init failed: %v", err)
	}

	var topicSink sink.Sink = csv
	if cfg.BufferingEnabled {
		wrapper := buffering.New(csv, buffering.Options{
			Enabled:   true,
			MaxSize:   cfg.BufferingMaxSize,
			MaxTime:   cfg.BufferingMaxTime,
			Autoflush: cfg.BufferingAutoflush,
		})
		if cfg.RedisAddr != "" {
			wrapper = buffering.WithRedisQueue(wrapper, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "assure")
		}
		topicSink = wrapper
	}

	var authorizer authz.Authorizer = authz.Permissive{}
	if cfg.RegoPolicyPath != "" {
		module, err := os.ReadFile(cfg.RegoPolicyPath)
		if err != nil {
			logger.Fatalf("read rego policy %s: %v", cfg.RegoPolicyPath, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		regoAuthz, err := authz.NewRegoAuthorizer(ctx, string(module))
		cancel()
		if err != nil {
			logger.Fatalf("compile rego policy: %v", err)
		}
		authorizer = regoAuthz
	}

	svc := auditsvc.New(auditsvc.Options{Topics: map[string]auditsvc.TopicConfig{
		"access": {
			Sinks:      map[string]sink.Sink{cfg.QuerySink: topicSink},
			QuerySink:  cfg.QuerySink,
			Authorizer: authorizer,
		},
	}})

	ctx := context.Background()
	if err := svc.Startup(ctx); err != nil {
		logger.Fatalf("audit service startup failed: %v", err)
	}

	handler := &httpapi.Handler{
		Service:            svc,
		Logger:             logger,
		DataDir:            cfg.DataDir,
		SecurityPassword:   cfg.SecurityPassword,
		PrivacyFieldPath:   cfg.PrivacyFieldPath,
		PrivacyK:           cfg.KAnonymity,
		PrivacyEpsilon:     cfg.DPEpsilon,
		PrivacyWindowHours: cfg.PrivacyWindowHours,
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpapi.NewMux(handler),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		logger.Infof("assure-server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server stopped: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("audit service shutdown: %v", err)
	}
}
