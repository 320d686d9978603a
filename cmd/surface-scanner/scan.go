package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/engine"
	"github.com/exploopio/surface/pkg/metrics"
	"github.com/exploopio/surface/pkg/profile"
	"github.com/exploopio/surface/pkg/report"
)

type scanFlags struct {
	profile           string
	modules           []string
	excludeModules    []string
	excludePaths      []string
	excludeSubdomains []string
	excludePorts      []int
	output            string
	json              bool
	quiet             bool
}

func newScanCmd(a *app) *cobra.Command {
	f := &scanFlags{}

	cmd := &cobra.Command{
		Use:   "scan <target>",
		Short: "Run a standalone scan",
		Long: "Scan a domain, IP or URL and print a summary. Targets resolving into " +
			"private or reserved ranges are refused.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runScan(cmd.Context(), cmd.OutOrStdout(), args[0], f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.profile, "profile", "p", profile.Default,
		"Scan profile ("+strings.Join(profile.Names(), ", ")+")")
	fl.StringSliceVarP(&f.modules, "modules", "m", nil, "Modules to run; implies --profile CUSTOM")
	fl.StringSliceVar(&f.excludeModules, "exclude-modules", nil, "Modules to skip")
	fl.StringSliceVar(&f.excludePaths, "exclude-path", nil, "URL path prefixes the crawler must not visit")
	fl.StringSliceVar(&f.excludeSubdomains, "exclude-subdomain", nil, "Subdomains to leave out of results")
	fl.IntSliceVar(&f.excludePorts, "exclude-port", nil, "Ports the port scanner must not probe")
	fl.StringVarP(&f.output, "output", "o", "", "Write the JSON report to a file (.zst or .gz to compress)")
	fl.BoolVar(&f.json, "json", false, "Print the JSON report instead of the summary")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "Do not print progress")
	fl.Int("timeout", 0, "Per-module timeout in seconds")
	fl.Int("top-ports", 0, "Number of top ports to scan")
	return cmd
}

// request turns the flags into an engine request.
func (f *scanFlags) request(target string) engine.Request {
	opts := core.Options{}
	name := f.profile
	if len(f.modules) > 0 {
		name = profile.Custom
		opts[core.OptModules] = f.modules
	}
	if len(f.excludeModules) > 0 {
		opts[core.OptExcludeModules] = f.excludeModules
	}
	if len(f.excludePaths) > 0 {
		opts[core.OptExcludePaths] = f.excludePaths
	}
	if len(f.excludeSubdomains) > 0 {
		opts[core.OptExcludeSubdomains] = f.excludeSubdomains
	}
	if len(f.excludePorts) > 0 {
		opts[core.OptExcludePorts] = f.excludePorts
	}
	return engine.Request{
		Target:  strings.TrimSpace(target),
		Profile: strings.ToUpper(strings.TrimSpace(name)),
		Options: opts,
	}
}

func (a *app) runScan(ctx context.Context, out io.Writer, target string, f *scanFlags) error {
	req := f.request(target)
	if req.Target == "" {
		return fmt.Errorf("target is required")
	}

	eng, err := a.newEngine(metrics.NopCollector{})
	if err != nil {
		return err
	}

	if !f.quiet && !f.json {
		req.Progress = func(_ context.Context, percent int, message string) error {
			_, err := fmt.Fprintf(out, "  [%3d%%] %s\n", percent, message)
			return err
		}
	}

	a.log.WithFields(logrus.Fields{
		"target":  req.Target,
		"profile": req.Profile,
	}).Info("Running standalone scan")

	result := eng.Run(ctx, req)

	if f.output != "" {
		if err := report.WriteFile(f.output, result); err != nil {
			return err
		}
	}

	if f.json {
		return report.WriteJSON(out, result)
	}

	fmt.Fprintln(out)
	report.PrintSummary(out, result)
	if f.output != "" {
		fmt.Fprintf(out, "\nReport written to %s\n", f.output)
	}
	return nil
}
