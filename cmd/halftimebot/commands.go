package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"halftimebot/internal/app"
	"halftimebot/internal/domain"
	"halftimebot/internal/export"
)

// withApp builds the app for a one-shot command and releases it afterwards.
func withApp(f *rootFlags, fn func(a *app.App) error) error {
	a, err := app.NewApp(f.cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newDiscoverCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Resolve today's catalog once and print the discovery report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(f, func(a *app.App) error {
				rep, err := a.Driver().Discover(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			})
		},
	}
}

func newPicksCmd(f *rootFlags) *cobra.Command {
	var filter domain.PickFilter
	cmd := &cobra.Command{
		Use:   "picks",
		Short: "List stored picks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(f, func(a *app.App) error {
				recs, err := a.Store().ListPicks(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no picks")
					return nil
				}
				printPicks(cmd.OutOrStdout(), recs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter.GameLabel, "game", "", "game label, e.g. \"Boston Celtics @ Miami Heat\"")
	cmd.Flags().StringVar(&filter.Date, "date", "", "local game date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "max rows")
	return cmd
}

func printPicks(out io.Writer, recs []domain.PickRecord) {
	table := tablewriter.NewWriter(out)
	table.Header("ID", "Game", "Date", "Player", "Pts", "Line", "Diff", "Odds", "Hit")
	for _, r := range recs {
		hit := "-"
		if r.Hit != nil {
			hit = strconv.FormatBool(*r.Hit)
		}
		table.Append(
			strconv.FormatInt(r.ID, 10),
			r.GameLabel,
			r.Date,
			r.Player,
			strconv.Itoa(r.CurrentPoints),
			strconv.Itoa(r.Line),
			strconv.Itoa(r.Difference),
			strconv.Itoa(r.Odds),
			hit,
		)
	}
	table.Render()
}

func newExportCmd(f *rootFlags) *cobra.Command {
	var (
		filter domain.PickFilter
		out    string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stored picks as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(f, func(a *app.App) error {
				recs, err := a.Store().ListPicks(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					return export.WriteRecords(cmd.OutOrStdout(), recs)
				}
				fh, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := export.WriteRecords(fh, recs); err != nil {
					_ = fh.Close()
					return err
				}
				if err := fh.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d picks to %s\n", len(recs), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter.GameLabel, "game", "", "game label")
	cmd.Flags().StringVar(&filter.Date, "date", "", "local game date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "max rows, 0 for all")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	return cmd
}
