package main

import (
	"fmt"
	"runtime"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/exploopio/surface/pkg/metrics"
	"github.com/exploopio/surface/pkg/profile"
)

func newModulesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List available modules and profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := a.newEngine(metrics.NopCollector{})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "Modules:")
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, info := range eng.Registry().Describe() {
				fmt.Fprintf(tw, "    %s\t%s\n", info.Name, info.Description)
			}
			_ = tw.Flush()

			fmt.Fprintln(out, "\nProfiles:")
			for _, name := range profile.Names() {
				list, ok := profile.Modules(name)
				if !ok {
					fmt.Fprintf(out, "    %-10s - modules given with --modules\n", name)
					continue
				}
				fmt.Fprintf(out, "    %-10s - %s\n", name, strings.Join(list, ", "))
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Skip settings loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (commit %s, %s)\n", appName, version, commit, runtime.Version())
		},
	}
}
