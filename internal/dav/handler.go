package dav

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/vmfds/kool-dav/internal/auth"
	"github.com/vmfds/kool-dav/internal/backend/cards"
	"github.com/vmfds/kool-dav/internal/backend/catalog"
	"github.com/vmfds/kool-dav/internal/backend/principals"
	"github.com/vmfds/kool-dav/internal/config"
)

type Handlers struct {
	cfg        *config.Config
	principals *principals.Directory
	catalog    *catalog.Catalog
	cards      *cards.Repository
	logger     zerolog.Logger
	basePath   string
}

func NewHandlers(cfg *config.Config, dir *principals.Directory, cat *catalog.Catalog, repo *cards.Repository, logger zerolog.Logger) *Handlers {
	return &Handlers{
		cfg:        cfg,
		principals: dir,
		catalog:    cat,
		cards:      repo,
		logger:     logger,
		basePath:   cfg.HTTP.BasePath,
	}
}

func (h *Handlers) currentPrincipal(ctx context.Context) (*auth.Principal, bool) {
	return auth.PrincipalFrom(ctx)
}
