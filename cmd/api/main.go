package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Hashdive/escra-example/agreement"
	"github.com/Hashdive/escra-example/auth"
	"github.com/Hashdive/escra-example/chain"
	"github.com/Hashdive/escra-example/config"
	"github.com/Hashdive/escra-example/db"
	"github.com/Hashdive/escra-example/esign"
	"github.com/Hashdive/escra-example/logger"
	"github.com/Hashdive/escra-example/storage"
	"github.com/Hashdive/escra-example/webhook"
)

func main() {
	configPath := flag.String("config", os.Getenv("ESCRA_CONFIG"), "path to the YAML config file")
	envFile := flag.String("env-file", ".env", "optional KEY=VALUE file loaded before the config")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile, false); err != nil {
		log.Fatalf("load env file: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	lg := logger.Init(cfg.Log.Level)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}
	logger.Debug("config loaded", "path", *configPath, "wallets", len(cfg.Wallets), "operators", len(cfg.Auth.Operators))
	if !cfg.Auth.Enabled() {
		logger.Warn("operator auth disabled, api routes are open")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, closeAll, err := buildServer(ctx, cfg, lg)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer closeAll()

	srv := &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		Handler:      server.Routes(),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSeconds) * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("escra api listening",
		"addr", cfg.HTTP.ListenAddr,
		"store", cfg.Store.Driver,
		"chain", cfg.Chain.Driver,
		"esign", cfg.ESign.Mode,
		"auth", cfg.Auth.Enabled())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server stopped", "err", err)
		os.Exit(1)
	}
}

// buildServer wires every dependency named in cfg. The returned func releases
// stores and pools in reverse order.
func buildServer(ctx context.Context, cfg *config.Config, lg *slog.Logger) (*Server, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Server, func(), error) {
		closeAll()
		return nil, func() {}, err
	}

	store, err := openStore(ctx, cfg.Store, &closers)
	if err != nil {
		return fail(err)
	}

	var client chain.Client
	switch cfg.Chain.Driver {
	case config.ChainHTTP:
		client = chain.NewHTTPClient(cfg.Chain.URL)
	default:
		client = chain.NewLocalLedger(cfg.Chain.Verifier)
	}
	pipeline := chain.NewPipeline(client).
		WithRetryPolicy(chain.RetryPolicy{
			MaxAttempts: cfg.Chain.Retry.MaxAttempts,
			Backoff:     cfg.Chain.Retry.Backoff(),
			CallTimeout: cfg.Chain.Retry.CallTimeout(),
		}).
		WithLogger(lg.With("component", "chain"))

	svc := agreement.NewService(store)

	fetcher, err := newEnvelopeFetcher(cfg.ESign, store)
	if err != nil {
		return fail(err)
	}

	adapter := webhook.NewAdapter(webhook.Config{
		Secret:         cfg.Webhook.Secret,
		Verifier:       cfg.Chain.Verifier,
		AgreementField: cfg.Webhook.AgreementField,
		WalletField:    cfg.Webhook.WalletField,
	}, svc, fetcher, pipeline).
		WithWalletResolver(webhook.StaticResolver(cfg.Wallets)).
		WithLogger(lg.With("component", "webhook"))

	server := &Server{
		agreements: svc,
		pipeline:   pipeline,
		webhook:    adapter,
		verifier:   cfg.Chain.Verifier,
		provider:   cfg.Chain.Provider,
		logger:     logger.With("component", "http"),
	}
	if cfg.Auth.Enabled() {
		ops := make([]auth.Operator, 0, len(cfg.Auth.Operators))
		for _, op := range cfg.Auth.Operators {
			ops = append(ops, auth.Operator{Name: op.Name, PasswordHash: op.PasswordHash})
		}
		repo, err := auth.NewStaticRepository(ops)
		if err != nil {
			return fail(err)
		}
		server.auth = auth.NewService(repo, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL())
	}
	return server, closeAll, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, closers *[]func()) (agreement.Store, error) {
	switch cfg.Driver {
	case config.StorePebble:
		kv, err := storage.Open(cfg.Path, storage.Options{})
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func() { _ = kv.Close() })
		store, err := agreement.NewPebbleStore(kv)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, store.Close)
		return store, nil
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DSN, db.PoolOptions{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, pool.Close)
		return agreement.NewPGStore(pool), nil
	default:
		return agreement.NewMemoryStore(), nil
	}
}

func newEnvelopeFetcher(cfg config.ESignConfig, store agreement.Store) (webhook.EnvelopeFetcher, error) {
	if cfg.Mode != config.ESignRemote {
		return esign.NewLocalProvider(store), nil
	}
	if cfg.AccessToken != "" {
		return esign.NewClient(cfg.BaseURL, cfg.AccountID, esign.StaticTokenSource(cfg.AccessToken)), nil
	}
	pemBytes, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read esign private key: %w", err)
	}
	key, err := esign.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, err
	}
	tokens, err := esign.NewJWTTokenSource(esign.JWTConfig{
		IntegrationKey: cfg.IntegrationKey,
		UserID:         cfg.UserID,
		AuthURL:        cfg.AuthURL,
		Scopes:         cfg.Scopes,
		PrivateKey:     key,
	})
	if err != nil {
		return nil, err
	}
	return esign.NewClient(cfg.BaseURL, cfg.AccountID, tokens), nil
}
