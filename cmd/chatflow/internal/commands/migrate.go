package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"chatflow/internal/logger"
)

type MigrateCmd struct {
	Store StoreFlags `embed:"" prefix:"store-"`
}

func (c *MigrateCmd) Run(globals *Globals) error {
	logger.Setup(globals.Debug)
	ctx := context.Background()

	repo, err := c.Store.open(ctx, true)
	if err != nil {
		return fmt.Errorf("migrate %s store: %w", c.Store.Driver, err)
	}
	defer repo.Close()

	log.Info().Str("driver", c.Store.Driver).Msg("schema is up to date")
	return nil
}
