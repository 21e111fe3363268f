package serve

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/bartholomew/memkernel/internal/config"
)

const shutdownTimeout = 10 * time.Second

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the memory kernel HTTP service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "db",
				Sources:     cli.EnvVars("MEMKERNEL_DB"),
				Usage:       "Path to the record-store file",
				Value:       cfg.DBPath,
				Destination: &cfg.DBPath,
			},
			&cli.StringFlag{
				Name:        "rules",
				Sources:     cli.EnvVars("MEMKERNEL_RULES"),
				Usage:       "Path to the memory-rules YAML document",
				Destination: &cfg.MemoryRulesPath,
			},
			&cli.IntFlag{
				Name:        "port",
				Sources:     cli.EnvVars("MEMKERNEL_PORT"),
				Usage:       "Main listener port (0 for a random port)",
				Value:       cfg.Listener.Port,
				Destination: &cfg.Listener.Port,
			},
			&cli.IntFlag{
				Name:        "management-port",
				Sources:     cli.EnvVars("MEMKERNEL_MANAGEMENT_PORT"),
				Usage:       "Management listener port (health, readiness, metrics)",
				Value:       cfg.ManagementListener.Port,
				Destination: &cfg.ManagementListener.Port,
			},
			&cli.BoolFlag{
				Name:        "management-listener",
				Sources:     cli.EnvVars("MEMKERNEL_MANAGEMENT_LISTENER"),
				Usage:       "Serve management endpoints on a dedicated listener",
				Value:       cfg.ManagementListenerEnabled,
				Destination: &cfg.ManagementListenerEnabled,
			},
			&cli.StringFlag{
				Name:        "encryption-key-standard",
				Sources:     cli.EnvVars("MEMKERNEL_ENCRYPTION_KEY_STANDARD"),
				Usage:       "Standard-strength encryption key (hex or base64)",
				Destination: &cfg.EncryptionStandardKey,
			},
			&cli.StringFlag{
				Name:        "encryption-key-strong",
				Sources:     cli.EnvVars("MEMKERNEL_ENCRYPTION_KEY_STRONG"),
				Usage:       "Strong-strength encryption key (hex or base64)",
				Destination: &cfg.EncryptionStrongKey,
			},
			&cli.StringFlag{
				Name:        "embedding-provider",
				Sources:     cli.EnvVars("MEMKERNEL_EMBEDDING_PROVIDER"),
				Usage:       "Embedding provider identity",
				Value:       cfg.EmbedProvider,
				Destination: &cfg.EmbedProvider,
			},
			&cli.StringFlag{
				Name:        "embedding-model",
				Sources:     cli.EnvVars("MEMKERNEL_EMBEDDING_MODEL"),
				Usage:       "Embedding model identity",
				Value:       cfg.EmbedModel,
				Destination: &cfg.EmbedModel,
			},
			&cli.IntFlag{
				Name:        "embedding-dim",
				Sources:     cli.EnvVars("MEMKERNEL_EMBEDDING_DIM"),
				Usage:       "Embedding vector dimension",
				Value:       cfg.EmbedDim,
				Destination: &cfg.EmbedDim,
			},
			&cli.BoolFlag{
				Name:        "embedding-enabled",
				Sources:     cli.EnvVars("BARTHO_EMBED_ENABLED"),
				Usage:       "Master switch for the embedding hook",
				Value:       cfg.EmbedEnabled,
				Destination: &cfg.EmbedEnabled,
			},
			&cli.StringFlag{
				Name:        "retrieval-mode",
				Sources:     cli.EnvVars("MEMKERNEL_RETRIEVAL_MODE"),
				Usage:       "Retrieval channel mode (hybrid|vector|fts)",
				Value:       cfg.RetrievalMode,
				Destination: &cfg.RetrievalMode,
			},
			&cli.StringFlag{
				Name:        "fts-tokenizer",
				Sources:     cli.EnvVars("MEMKERNEL_FTS_TOKENIZER"),
				Usage:       "FTS5 tokenizer (porter, unicode61, ...)",
				Value:       cfg.FTSTokenizer,
				Destination: &cfg.FTSTokenizer,
			},
			&cli.StringFlag{
				Name:        "fusion",
				Sources:     cli.EnvVars("MEMKERNEL_FUSION"),
				Usage:       "Score fusion strategy (weighted|rrf)",
				Value:       cfg.Fusion,
				Destination: &cfg.Fusion,
			},
			&cli.FloatFlag{
				Name:        "weight-fts",
				Sources:     cli.EnvVars("MEMKERNEL_WEIGHT_FTS"),
				Usage:       "FTS channel weight for weighted fusion",
				Value:       cfg.WeightFTS,
				Destination: &cfg.WeightFTS,
			},
			&cli.FloatFlag{
				Name:        "weight-vector",
				Sources:     cli.EnvVars("MEMKERNEL_WEIGHT_VECTOR"),
				Usage:       "Vector channel weight for weighted fusion",
				Value:       cfg.WeightVector,
				Destination: &cfg.WeightVector,
			},
			&cli.FloatFlag{
				Name:        "recency-half-life-hours",
				Sources:     cli.EnvVars("MEMKERNEL_RECENCY_HALF_LIFE_HOURS"),
				Usage:       "Recency decay half-life in hours",
				Value:       cfg.RecencyHalfLifeHours,
				Destination: &cfg.RecencyHalfLifeHours,
			},
			&cli.BoolFlag{
				Name:        "disallow-strong-only",
				Sources:     cli.EnvVars("MEMKERNEL_DISALLOW_STRONG_ONLY"),
				Usage:       "Strict mode: never index strongly-encrypted records",
				Destination: &cfg.DisallowStrongOnly,
			},
			&cli.BoolFlag{
				Name:        "cors",
				Sources:     cli.EnvVars("MEMKERNEL_CORS"),
				Usage:       "Enable CORS on the main listener",
				Destination: &cfg.CORSEnabled,
			},
			&cli.StringFlag{
				Name:        "cors-origins",
				Sources:     cli.EnvVars("MEMKERNEL_CORS_ORIGINS"),
				Usage:       "Comma-separated allowed CORS origins ('*' for any)",
				Destination: &cfg.CORSOrigins,
			},
			&cli.StringFlag{
				Name:        "metrics-labels",
				Sources:     cli.EnvVars("MEMKERNEL_METRICS_LABELS"),
				Usage:       "Constant key=value labels added to all metrics",
				Destination: &cfg.MetricsLabels,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx = config.WithContext(ctx, &cfg)
			server, err := StartServer(ctx, &cfg)
			if err != nil {
				return err
			}
			<-ctx.Done()
			log.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}
