package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/00sapo/better-morning/internal/config"
	"github.com/00sapo/better-morning/internal/storage"
)

func historyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <collection>",
		Short: "Show what a collection has already processed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, log, err := opts.setup()
			if err != nil {
				return err
			}

			store, err := storage.Open(g, log)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer func() { _ = store.Close() }()

			slug := (&config.Collection{Name: args[0]}).Slug()
			ctx := cmd.Context()

			known, err := store.LoadArticles(ctx, slug)
			if err != nil {
				return fmt.Errorf("load articles: %w", err)
			}
			last, err := store.LoadDigestTime(ctx, slug)
			if err != nil {
				return fmt.Errorf("load digest time: %w", err)
			}
			digests, err := store.RecentDigests(ctx, slug, g.ContextDigestSize)
			if err != nil {
				return fmt.Errorf("load digests: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "collection:     %s\n", slug)
			fmt.Fprintf(out, "known articles: %d\n", len(known))
			if last == nil {
				fmt.Fprintln(out, "last digest:    never")
			} else {
				fmt.Fprintf(out, "last digest:    %s\n", last.UTC().Format("2006-01-02 15:04 MST"))
			}
			fmt.Fprintf(out, "stored digests: %d\n", len(digests))
			return nil
		},
	}
}
