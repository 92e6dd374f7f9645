package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/bdougie/framecache/internal/analyzer"
	"github.com/bdougie/framecache/internal/config"
	"github.com/bdougie/framecache/internal/embeddings"
	"github.com/bdougie/framecache/internal/models"
	"github.com/bdougie/framecache/internal/storage"
)

type SearchCmd struct {
	flags *Flags

	// flags
	mediaID    string
	limit      int
	jsonOutput bool
}

// NewSearchCmd creates a new search command
func NewSearchCmd(flags *Flags) *SearchCmd {
	return &SearchCmd{flags: flags}
}

// Register adds the search command to the application
func (cmd *SearchCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "search",
		Usage:     "Find analyzed frames similar to a text query",
		UsageText: "framecache search --media-id ID [--limit N] [--json] QUERY",
		Description: `Embeds QUERY with the configured embedding model and returns the frames whose
analysis is closest to it. Requires the postgres storage driver.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "media-id",
				Usage:       "media item to search",
				Required:    true,
				Destination: &cmd.mediaID,
			},
			&cli.IntFlag{
				Name:        "limit",
				Aliases:     []string{"n"},
				Usage:       "maximum number of frames",
				Value:       5,
				Destination: &cmd.limit,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "output as JSON lines",
				Destination: &cmd.jsonOutput,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *SearchCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config

	query := c.Args().First()
	if query == "" {
		return fmt.Errorf("a search query is required")
	}
	if cfg.Storage.Driver != config.DriverPostgres {
		return fmt.Errorf("search requires the postgres storage driver, got %q", cfg.Storage.Driver)
	}

	client, err := analyzer.NewClient(ctx, cfg.Analyzer.OllamaHost)
	if err != nil {
		return err
	}
	embedding, err := embeddings.NewOllamaEmbedder(client, cfg.Analyzer.EmbedModel).Embed(ctx, query)
	if err != nil {
		return fmt.Errorf("embed query: %w", err)
	}

	store, err := storage.NewPostgresStorage(ctx, cfg.Storage.Postgres, cfg.OutputDir)
	if err != nil {
		return err
	}
	defer store.Close()

	results, err := store.SearchSimilarFrames(ctx, models.MediaItem{ID: cmd.mediaID}, embedding, cmd.limit)
	if err != nil {
		return err
	}

	out := c.Root().Writer

	if cmd.jsonOutput {
		enc := json.NewEncoder(out)
		for _, r := range results {
			if err := enc.Encode(r); err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FRAME\tSIMILARITY\tPATH\tDESCRIPTION")
	for _, r := range results {
		fmt.Fprintf(w, "%d\t%.3f\t%s\t%s\n", r.FrameNumber, r.Similarity, r.FramePath, truncate(r.Description, 80))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
