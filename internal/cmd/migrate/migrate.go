package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/KrishnaShettyDev/cortex/internal/config"
	registrymigrate "github.com/KrishnaShettyDev/cortex/internal/registry/migrate"

	// Import plugins to trigger init() registration of their migrators.
	// Store and queue plugins register their migrators alongside their
	// primary interface.
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/queue/postgres"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/store/postgres"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/store/sqlite"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/vector/pgvector"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/vector/qdrant"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run database migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db-url",
				Sources:  cli.EnvVars("CORTEX_DB_URL"),
				Usage:    "Database connection URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "db-kind",
				Sources: cli.EnvVars("CORTEX_DB_KIND"),
				Usage:   "Store backend (postgres|sqlite)",
				Value:   "postgres",
			},
			&cli.StringFlag{
				Name:    "vector-kind",
				Sources: cli.EnvVars("CORTEX_VECTOR_KIND"),
				Usage:   "Vector index to migrate (pgvector|qdrant), empty skips vector migrations",
			},
			&cli.StringFlag{
				Name:    "qdrant-host",
				Sources: cli.EnvVars("CORTEX_QDRANT_HOST"),
				Usage:   "Qdrant host:port",
				Value:   "localhost:6334",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DBURL = cmd.String("db-url")
			cfg.DatastoreType = cmd.String("db-kind")
			cfg.QueueType = cfg.DatastoreType
			cfg.VectorType = cmd.String("vector-kind")
			cfg.QdrantHost = cmd.String("qdrant-host")
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...")
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
