package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mtAerohand/draw/internal/crawler"
)

func newDrawCmd(opts *rootOptions) *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "draw",
		Short: "Prints the link of a random committed card",
		Long: `Picks one card uniformly from the committed catalog. --type narrows the
pick to monster, spell or trap; anything else draws from every card.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := bootstrap(cmd.Context(), opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer cleanup()

			link, err := a.Drawer.Draw(cmd.Context(), filter)
			switch {
			case errors.Is(err, crawler.ErrNoData):
				fmt.Fprintln(cmd.OutOrStdout(), "no data")
				return nil
			case err != nil:
				return fmt.Errorf("draw: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), link)
			return nil
		},
	}
	cmd.Flags().StringVar(&filter, "type", "", "card category: monster, spell or trap")
	return cmd
}
