// Package app wires the relay together and owns its lifecycle.
//
// New is the single initialization point: it opens the database once, builds
// the Matrix session, the completion backend and the relay, and hands each
// component its dependencies explicitly. Stop tears them down in reverse
// order and closes the database once.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/bdobrica/kotoba/common/spec/envelope"
	"github.com/bdobrica/kotoba/common/version"
	"github.com/bdobrica/kotoba/internal/kotoba/config"
	"github.com/bdobrica/kotoba/internal/kotoba/llm"
	"github.com/bdobrica/kotoba/internal/kotoba/matrix"
	"github.com/bdobrica/kotoba/internal/kotoba/msglog"
	"github.com/bdobrica/kotoba/internal/kotoba/observability"
	"github.com/bdobrica/kotoba/internal/kotoba/relay"
	"github.com/bdobrica/kotoba/internal/kotoba/store"
)

// App is the running relay.
type App struct {
	cfg        *config.Config
	store      *store.Store
	matrix     *matrix.Client
	relay      *relay.Relay
	dispatcher *relay.Dispatcher
	health     *HealthServer

	cancel context.CancelFunc
}

// New validates cfg and builds every component. The bot's user id is
// resolved against the homeserver when it is not configured.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	observability.Setup(cfg.Log.Level, cfg.Log.Format)

	st, err := store.New(cfg.Relay.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	mx, err := matrix.New(matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		AccessToken: cfg.Matrix.AccessToken,
		UserID:      cfg.Matrix.UserID,
		DB:          st.DB(),
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	botID, err := mx.ResolveUserID(ctx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("resolve bot user id: %w", err)
	}

	if cfg.LLM.APIKey == "" {
		slog.Warn("LLM_API_KEY is not set; requests to the completion backend are unauthenticated")
	}
	provider := llm.NewOpenAI(llm.OpenAIConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})

	r := relay.New(relay.Config{
		BotID:           botID,
		WindowSize:      cfg.Relay.WindowSize,
		Model:           cfg.LLM.Model,
		MaxTokens:       cfg.LLM.MaxTokens,
		Temperature:     cfg.LLM.Temperature,
		FallbackMessage: cfg.Relay.FallbackMessage,
	}, msglog.New(st), provider, mx)

	a := &App{
		cfg:    cfg,
		store:  st,
		matrix: mx,
		relay:  r,
		dispatcher: relay.NewDispatcher(func(ctx context.Context, evt *envelope.RoomEvent) {
			_ = r.HandleEvent(ctx, evt)
		}, cfg.Relay.MaxConcurrentTurns),
	}
	if cfg.Relay.HealthAddr != "" {
		a.health = NewHealthServer(cfg.Relay.HealthAddr, r, mx.UserID)
	}
	return a, nil
}

// Start brings up the health server (when configured) and the Matrix sync
// loop. It does not block.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.health != nil {
		if err := a.health.Start(); err != nil {
			cancel()
			return err
		}
	}
	if err := a.matrix.Start(runCtx, a.submit); err != nil {
		cancel()
		return fmt.Errorf("start matrix: %w", err)
	}

	slog.Info("kotoba started",
		"version", version.Version,
		"bot", a.matrix.UserID(),
		"homeserver", a.cfg.Matrix.Homeserver,
		"model", a.cfg.LLM.Model,
		"window", a.cfg.Relay.WindowSize,
	)
	return nil
}

// Run starts the relay and blocks until SIGINT or SIGTERM, then shuts down
// within the configured timeout. It returns the process exit code.
func (a *App) Run() int {
	if err := a.Start(context.Background()); err != nil {
		slog.Error("startup failed", "err", err)
		_ = a.Stop(context.Background())
		return 1
	}

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		a.cfg.Relay.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"kotoba": func(ctx context.Context) error {
				slog.Info("shutting down")
				return a.Stop(ctx)
			},
		},
	)
	return <-wait
}

// Stop halts intake, lets queued turns finish while ctx allows, then stops
// the health server and closes the database.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if err := a.matrix.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop matrix: %w", err))
	}
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain turns: %w", err))
	}
	if a.health != nil {
		if err := a.health.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop health server: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) submit(ctx context.Context, evt *envelope.RoomEvent) {
	if err := a.dispatcher.Submit(ctx, evt); err != nil {
		observability.WithTrace(ctx).Debug("event not queued", "room", evt.RoomID, "err", err)
	}
}
