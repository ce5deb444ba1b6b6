package main

import (
	"fmt"
	"strings"

	"github.com/ericselin/vworker/buildsync"
	"github.com/ericselin/vworker/manifest"
	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the next release and write its files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := buildContext()
		if err != nil {
			return err
		}
		res, err := buildsync.Build(ctx)
		if err != nil {
			return err
		}
		printRecord(cmd, res)
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what the next build would release, without writing anything",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := buildContext()
		if err != nil {
			return err
		}
		res, err := buildsync.Plan(ctx)
		if err != nil {
			return err
		}
		printRecord(cmd, res)
		for _, f := range res.Files {
			route := ""
			if f.Route {
				route = " (route)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  %-12s %s%s\n", f.Category, f.URL, route)
		}
		return nil
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Show the hash changes between the previous build and the dist directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := buildContext()
		if err != nil {
			return err
		}
		res, err := buildsync.Plan(ctx)
		if err != nil {
			return err
		}
		diff, err := buildsync.Diff(res.Previous.Hashes, res.Next.Hashes)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), diff)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the delta log of the previous build",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := buildContext()
		if err != nil {
			return err
		}
		m, err := buildsync.LoadState(ctx)
		if err != nil {
			return err
		}
		capacity := cfg.GetInt(cfgKeyCapacity)
		fmt.Fprintf(cmd.OutOrStdout(), "tag %s, version %d, %d files\n", m.Tag, m.Version, len(m.Hashes))
		fmt.Fprintf(cmd.OutOrStdout(), "batches %d-%d\n", m.Offset(capacity), manifest.TotalBatches(m.Version, capacity)-1)
		for _, rec := range m.Records(capacity) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %4d %-14s %s\n", rec.Version, rec.Priority, strings.Join(rec.Changed, " "))
		}
		return nil
	},
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Rewrite the previous manifest in the current format",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := buildContext()
		if err != nil {
			return err
		}
		m, err := buildsync.Upgrade(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "manifest at version %d upgraded to format %d\n", m.Version, m.FormatVersion)
		return nil
	},
}

func printRecord(cmd *cobra.Command, res *buildsync.Result) {
	fmt.Fprintf(cmd.OutOrStdout(), "release %d (%s), %d changed\n", res.Record.Version, res.Record.Priority, len(res.Record.Changed))
	for _, path := range res.Record.Changed {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", path)
	}
}
