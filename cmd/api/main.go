package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"punchtime/api/internal/app"
	"punchtime/api/internal/authpw"
	"punchtime/api/internal/config"
	"punchtime/api/internal/email"
	"punchtime/api/internal/localstore"
	"punchtime/api/internal/realtime"
	"punchtime/api/internal/search"
	"punchtime/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	deps := app.Deps{
		Local: localstore.New(cfg.LocalStorePath),
	}
	var authService *authpw.Service
	var searchService *search.Service

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}

		dataStore := store.NewPostgresStore(db)
		deps.Remote = dataStore
		authService = authpw.NewService(dataStore)

		var meiliClient *search.Meili
		if strings.TrimSpace(cfg.MeiliURL) != "" {
			meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
			defer meiliClient.Close()
		}
		searchService = search.NewService(meiliClient, search.NewPg(db))
		deps.Search = searchService
	} else {
		log.Printf("DATABASE_URL not set, running in guest mode")
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		feed, err := realtime.New(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer feed.Close()
		deps.Feed = feed
	}

	if cfg.SMTPHost != "" {
		deps.Mailer = email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		})
	}

	service := app.New(cfg, deps)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}
	defer service.Close()

	go drainEvents(service)

	httpServer := app.NewHTTPServer(service, authService, searchService, cfg)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Punchtime API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// drainEvents logs celebrations and rollback alerts so they are visible
// even when no client is connected.
func drainEvents(service *app.Service) {
	for {
		select {
		case c := <-service.Celebrations():
			log.Printf("celebration: card %s complete (reward %q)", c.CardID, c.Reward)
		case a := <-service.Alerts():
			log.Printf("alert: %s on card %s failed: %s", a.Intent, a.CardID, a.Message)
		}
	}
}
