package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/cairn/config"
	"github.com/pithecene-io/cairn/store"
)

// loadConfig resolves the effective config for a command: the --config
// file when given, defaults otherwise, with --db overriding the store
// path either way.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if db := c.String("db"); db != "" {
		cfg.Store.Path = db
	}
	return cfg, nil
}

// openStore opens the configured run store for a read-only command.
func openStore(c *cli.Context) (*store.Store, *config.Config, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, err
	}
	return s, cfg, nil
}
