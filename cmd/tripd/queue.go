package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"schooltrip-engine/internal/database"
	"schooltrip-engine/internal/queue"
	"schooltrip-engine/internal/remote"
)

func queueCommand() *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "inspect and drain the durable action queue",
		Subcommands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "print queue occupancy",
				Action: func(c *cli.Context) error {
					return withQueue(func(q *queue.Queue) error {
						stats, err := q.Stats(c.Context)
						if err != nil {
							return err
						}
						return printJSON(stats)
					})
				},
			},
			{
				Name:  "drain",
				Usage: "deliver queued actions to the backend once",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					client := remote.NewClient(cfg.RemoteBaseURL, cfg.RemoteToken, cfg.RemoteTimeout)
					if !client.Configured() {
						return remote.ErrNotConfigured
					}

					return withQueue(func(q *queue.Queue) error {
						result, err := q.Drain(c.Context, client.Execute)
						if err != nil {
							return err
						}
						log.Info().
							Int("synced", len(result.Succeeded)).
							Int("failed", len(result.FailedPermanently)).
							Int("retrying", len(result.Retrying)).
							Msg("Drain complete")
						return printJSON(result)
					})
				},
			},
			{
				Name:  "dead-letters",
				Usage: "list actions that exhausted their retries",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "ack",
						Usage: "acknowledge and remove the dead letter with this id",
					},
				},
				Action: func(c *cli.Context) error {
					return withQueue(func(q *queue.Queue) error {
						if id := c.String("ack"); id != "" {
							if err := q.AcknowledgeDeadLetter(c.Context, id); err != nil {
								return fmt.Errorf("failed to acknowledge %s: %w", id, err)
							}
							log.Info().Str("action_id", id).Msg("Dead letter acknowledged")
							return nil
						}

						letters, err := q.DeadLetters(c.Context)
						if err != nil {
							return err
						}
						return printJSON(letters)
					})
				},
			},
		},
	}
}

func withQueue(fn func(q *queue.Queue) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		return err
	}
	return fn(queue.New(db, queue.WithMaxRetries(cfg.MaxRetries)))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

