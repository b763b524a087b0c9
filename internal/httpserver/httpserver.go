package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vmfds/kool-dav/internal/auth"
	"github.com/vmfds/kool-dav/internal/backend/cards"
	"github.com/vmfds/kool-dav/internal/backend/catalog"
	"github.com/vmfds/kool-dav/internal/backend/creds"
	"github.com/vmfds/kool-dav/internal/backend/principals"
	"github.com/vmfds/kool-dav/internal/config"
	"github.com/vmfds/kool-dav/internal/dav"
	"github.com/vmfds/kool-dav/internal/router"
	"github.com/vmfds/kool-dav/internal/store"
	"github.com/vmfds/kool-dav/internal/store/postgres"
	"github.com/vmfds/kool-dav/internal/store/sqlite"
)

type Server struct {
	http   *http.Server
	logger zerolog.Logger
}

func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, func(), error) {
	// init storage
	var st store.Store
	var err error

	switch cfg.Storage.Type {
	case "postgres":
		st, err = postgres.New(cfg.Storage.PostgresURL, logger)
	case "sqlite":
		st, err = sqlite.New(cfg.Storage.SQLitePath, logger)
	default:
		err = errors.New("unknown storage type: " + cfg.Storage.Type)
	}
	if err != nil {
		return nil, nil, err
	}

	validator := creds.New(st, logger)
	dir := principals.New(st, logger)
	cat := catalog.New(st, cfg.Addressbook, logger)
	repo := cards.New(st, cfg.Addressbook, logger)

	authn := auth.NewChain(cfg, validator, dir, logger)
	davh := dav.NewHandlers(cfg, dir, cat, repo, logger)
	mux := router.New(cfg, davh, authn, logger)

	srv := &Server{
		http: &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
	cleanup := func() {
		st.Close()
	}
	logger.Info().Msgf("listening on %s (storage=%s)", cfg.HTTP.Addr, cfg.Storage.Type)
	return srv, cleanup, nil
}

func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
