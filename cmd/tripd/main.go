package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"schooltrip-engine/internal/config"
	"schooltrip-engine/internal/database"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	app := &cli.App{
		Name:  "tripd",
		Usage: "school trip tracking and offline sync engine",
		Commands: []*cli.Command{
			runCommand(),
			queueCommand(),
			{
				Name:  "migrate",
				Usage: "create or update the action store tables",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					db, err := database.Connect(cfg.DatabaseURL)
					if err != nil {
						return err
					}
					defer db.Close()
					return database.Migrate(db)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

// loadConfig reads the configuration and applies the logging settings
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if !cfg.LogPretty {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return cfg, nil
}
