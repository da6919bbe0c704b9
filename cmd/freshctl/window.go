package main

import (
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/grenzgaenger/freshness/tui"
	"github.com/grenzgaenger/freshness/virtual"
	"github.com/spf13/cobra"
)

func newWindowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "window",
		Short: "Compute the rendered range of a virtualized list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			items, _ := flags.GetInt("items")
			itemHeight, _ := flags.GetFloat64("item-height")
			viewport, _ := flags.GetFloat64("viewport")
			offset, _ := flags.GetFloat64("offset")
			overscan := cfg.Window.Overscan
			if flags.Changed("overscan") {
				overscan, _ = flags.GetInt("overscan")
			}
			if items < 0 || itemHeight <= 0 || viewport < 0 {
				return errors.New("items must not be negative and item-height must be positive")
			}

			w := virtual.New(virtual.Options{
				ItemHeight:     itemHeight,
				ViewportHeight: viewport,
				Overscan:       virtual.ExactOverscan(overscan),
				ScrollDebounce: cfg.Window.ScrollDebounce.Std(),
			}, make([]struct{}, items))
			defer w.Close()
			if flags.Changed("to-index") {
				index, _ := flags.GetInt("to-index")
				offset = w.ScrollToIndex(index)
			}
			res := w.ComputeVisibleRange(offset)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", tui.Title("offset"), strconv.FormatFloat(offset, 'f', -1, 64))
			fmt.Fprintf(out, "%s [%d, %d)\n", tui.Title("range"), res.Range.Start, res.Range.End)
			fmt.Fprintf(out, "%s %s\n", tui.Title("total height"), strconv.FormatFloat(res.TotalHeight, 'f', -1, 64))
			if list, _ := flags.GetBool("list"); list {
				rows := make([][]string, 0, len(res.Items))
				for _, item := range res.Items {
					visible := tui.Muted("overscan")
					if item.Visible {
						visible = "visible"
					}
					rows = append(rows, []string{
						strconv.Itoa(item.Index),
						strconv.FormatFloat(item.Offset, 'f', -1, 64),
						strconv.FormatFloat(item.Height, 'f', -1, 64),
						visible,
					})
				}
				fmt.Fprintln(out, tui.Table([]string{"index", "offset", "height", ""}, rows))
			}
			return nil
		},
	}
	cmd.Flags().Int("items", 1000, "number of items in the list")
	cmd.Flags().Float64("item-height", 50, "height of every item")
	cmd.Flags().Float64("viewport", 500, "height of the viewport")
	cmd.Flags().Float64("offset", 0, "scroll offset")
	cmd.Flags().Int("overscan", virtual.DefaultOverscan, "items rendered beyond each viewport edge")
	cmd.Flags().Int("to-index", 0, "scroll so that this index is at the top, overriding --offset")
	cmd.Flags().Bool("list", false, "list the materialized items")
	return cmd
}
