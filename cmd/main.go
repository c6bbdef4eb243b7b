package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mkravets/authgate/internal/api/http/requestctx"
	"github.com/mkravets/authgate/internal/api/http/router"
	httpServer "github.com/mkravets/authgate/internal/api/http/server"
	"github.com/mkravets/authgate/internal/config"
	"github.com/mkravets/authgate/internal/logger"
	"github.com/mkravets/authgate/internal/model"
	"github.com/mkravets/authgate/internal/password"
	"github.com/mkravets/authgate/internal/repository/postgres"
	"github.com/mkravets/authgate/internal/server"
	"github.com/mkravets/authgate/internal/service"
	"github.com/mkravets/authgate/internal/token"
)

var (
	buildVersion = "N/A" // set by ldflags
	buildDate    = "N/A" // set by ldflags
	buildCommit  = "N/A" // set by ldflags
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, os.Interrupt)
	defer stop()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	logger := logger.New(cfg.LogLevel)

	db, err := postgres.NewConnection(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("failed to initialize storage", "error", err)
	}
	defer db.Close()

	userRepo := postgres.NewUserRepository(db)
	refreshTokenRepo := postgres.NewRefreshTokenRepository(db)
	txManager := postgres.NewTxManager(db)

	verifier, err := password.NewVerifier(cfg.Password.BcryptCost)
	if err != nil {
		logger.Fatal("failed to initialize password verifier", "error", err)
	}

	tokenManager := token.NewJWT(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience, cfg.JWT.AccessTTL)
	tokenService := service.NewTokenService(tokenManager, userRepo, cfg.JWT.RefreshTTL, logger)
	authService := service.NewAuth(userRepo, refreshTokenRepo, txManager, verifier, tokenService, logger)
	ctxMgr := requestctx.NewManager()

	engine := router.New(authService, tokenService, ctxMgr, logger).Engine()
	srv := httpServer.NewHTTPServer(engine, fmt.Sprintf(":%s", cfg.HTTP.Port))

	var sl model.SecurityLayer

	if cfg.HTTP.EnableHTTPS {
		sl = server.NewTLSListener(cfg.HTTP.CertFileName, cfg.HTTP.PrivateKeyFileName)
	} else {
		sl = server.NewPlainListener()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func(s model.Server) {
		defer wg.Done()
		logger.Info("Starting server on", "address", s.Address())
		err := s.Start(sl)
		if err != nil {
			logger.Error("failed to start server", "error", err)
		}
	}(srv)

	logAppVersion()

	<-ctx.Done()
	logger.Info("received interruption signal, shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", "error", err, "address", srv.Address())
	}

	wg.Wait()
	logger.Info("shutdown complete")
}

func logAppVersion() {
	tmpl := `
Build version: %s
Build date: %s
Build commit: %s
`

	fmt.Printf(tmpl, buildVersion, buildDate, buildCommit)
}
