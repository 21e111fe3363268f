// Package migrate implements the schema-setup sub-command: it opens the
// record store, installs/upgrades every table (records, consent, FTS,
// embeddings, system flags) and checkpoints the WAL, so deployments can
// prepare the database file before the service starts.
package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/bartholomew/memkernel/internal/config"
	"github.com/bartholomew/memkernel/internal/kernel"
	"github.com/bartholomew/memkernel/internal/kernel/retrieve"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "migrate",
		Usage: "Install or upgrade the record-store schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "db",
				Sources:     cli.EnvVars("MEMKERNEL_DB"),
				Usage:       "Path to the record-store file",
				Value:       cfg.DBPath,
				Destination: &cfg.DBPath,
			},
			&cli.StringFlag{
				Name:        "fts-tokenizer",
				Sources:     cli.EnvVars("MEMKERNEL_FTS_TOKENIZER"),
				Usage:       "FTS5 tokenizer for the full-text schema",
				Value:       cfg.FTSTokenizer,
				Destination: &cfg.FTSTokenizer,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...", "db", cfg.DBPath)
			// Opening the kernel installs every schema (records, consent,
			// FTS, embeddings, system flags) idempotently; closing it
			// checkpoint-truncates the WAL.
			k, err := kernel.Open(kernel.Options{
				DBPath:        cfg.DBPath,
				FTSTokenizer:  cfg.FTSTokenizer,
				EmbedDisabled: true,
				Retrieval:     retrieve.DefaultConfig(),
			})
			if err != nil {
				return err
			}
			if err := k.Close(); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
