package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/justestif/bugbeats/internal/auth"
	"github.com/justestif/bugbeats/internal/config"
	"github.com/justestif/bugbeats/internal/db"
	"github.com/justestif/bugbeats/internal/events"
	"github.com/justestif/bugbeats/internal/kvstore"
	"github.com/justestif/bugbeats/internal/logging"
	"github.com/justestif/bugbeats/internal/playback"
	"github.com/justestif/bugbeats/internal/spotify"
	"github.com/justestif/bugbeats/internal/web"
)

const defaultConfigPath = "bugbeats.toml"

// loadConfig reads the configuration named by the --config flag.
func loadConfig(cmd *cli.Command) (*config.Config, *log.Logger, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(os.Stderr, cfg.Log.Level), nil
}

// openBackend opens the configured credential backend. The returned close
// function is never nil.
func openBackend(ctx context.Context, cfg *config.Config, logger *log.Logger) (auth.Backend, func(), error) {
	switch cfg.Backend() {
	case config.BackendPostgres:
		database, err := db.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		if err := database.EnsureSchema(ctx); err != nil {
			database.Close()
			return nil, nil, err
		}
		logger.Info("using postgres credential store")
		return database.Credentials(), database.Close, nil

	case config.BackendRedis:
		backend, err := kvstore.Open(ctx, cfg.Storage.RedisURL, cfg.Storage.RedisKey)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		logger.Info("using redis credential store", "key", backend.Key())
		return backend, func() { _ = backend.Close() }, nil

	default:
		backend := auth.NewFileBackend(cfg.Storage.TokenFile)
		logger.Info("using file credential store", "path", backend.Path())
		return backend, func() {}, nil
	}
}

// openStore loads the credential store. refresher may be nil for commands
// that never refresh.
func openStore(ctx context.Context, cfg *config.Config, refresher auth.Refresher, logger *log.Logger) (*auth.CredentialStore, func(), error) {
	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	store := auth.NewCredentialStore(backend, refresher, logging.With(logger, "backend", string(cfg.Backend())))
	if err := store.Load(ctx); err != nil {
		closeBackend()
		return nil, nil, err
	}
	return store, closeBackend, nil
}

func newAuthenticator(cfg *config.Config) (*auth.Authenticator, error) {
	return auth.New(auth.Config{
		ClientID:     cfg.Spotify.ClientID,
		ClientSecret: cfg.Spotify.ClientSecret,
		RedirectURI:  cfg.Spotify.RedirectURI,
	})
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr := cmd.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	authenticator, err := newAuthenticator(cfg)
	if err != nil {
		return fmt.Errorf("creating authenticator: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg, authenticator, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	provider := spotify.New(spotify.Options{})
	controller := playback.NewController(store, provider, playback.Config{
		RequireDevice: cfg.Playback.RequireDevice,
		CallTimeout:   cfg.Playback.CallTimeout.Duration,
		Logger:        logger,
	})
	svc := events.NewService(store, controller, authenticator, provider, events.WithLogger(logger))

	server, err := web.NewServer(web.ServerConfig{
		Addr:              cfg.Server.Addr,
		Service:           svc,
		Auth:              authenticator,
		Logger:            logger,
		ThrottlePerSecond: cfg.Server.ThrottlePerSecond,
		ThrottleBurst:     cfg.Server.ThrottleBurst,
		OnShutdown:        controller.Shutdown,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	logger.Info("loaded credentials", "users", len(store.Users()))
	return server.Run()
}

func listUsers(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var creds []auth.Credential
	for _, id := range store.Users() {
		cred, _ := store.Get(id)
		creds = append(creds, cred)
	}
	printUsersTable(creds)
	return nil
}

func listDevices(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	authenticator, err := newAuthenticator(cfg)
	if err != nil {
		return fmt.Errorf("creating authenticator: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg, authenticator, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	users := store.Users()
	if only := cmd.String("user"); only != "" {
		if _, ok := store.Get(only); !ok {
			return fmt.Errorf("user %s: %w", only, auth.ErrNoCredential)
		}
		users = []string{only}
	}
	if len(users) == 0 {
		return errors.New("no stored users, log in through /login first")
	}

	provider := spotify.New(spotify.Options{})
	for _, id := range users {
		devices, err := fetchDevices(ctx, store, provider, id)
		if err != nil {
			logger.Error("listing devices", "user", id, "err", err)
			continue
		}
		printDevicesTable(id, devices)
	}
	return nil
}

// fetchDevices lists a user's devices, refreshing the access token once if
// the provider reports it expired.
func fetchDevices(ctx context.Context, store *auth.CredentialStore, provider *spotify.Client, userID string) ([]playback.Device, error) {
	cred, _ := store.Get(userID)

	devices, err := provider.Devices(ctx, cred.AccessToken)
	var rejected *playback.RejectedError
	if !errors.As(err, &rejected) || !rejected.Expired() {
		return devices, err
	}

	token, err := store.Refresh(ctx, userID)
	if err != nil {
		return nil, err
	}
	return provider.Devices(ctx, token)
}

func listCues(_ context.Context, _ *cli.Command) error {
	printCuesTable()
	return nil
}

func initConfig(_ context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		path = defaultConfigPath
	}

	if err := config.Default().Write(path); err != nil {
		return err
	}
	fmt.Printf("Wrote default configuration to %s\n", path)
	return nil
}
