package cli

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"nvis/internal/config"
)

// Version is overridden at build time with -ldflags "-X nvis/internal/cli.Version=...".
var Version = "0.1.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			root.configShow()
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(root.out, "configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configShow() {
	w := r.out
	fmt.Fprintf(w, "Config file: %s\n", config.Path())

	v := r.cfg.Viewer
	fmt.Fprintf(w, "\nViewer:\n")
	fmt.Fprintf(w, "  Address: %s:%d\n", v.Host, v.Port)
	fmt.Fprintf(w, "  Root: %s\n", v.Root)
	fmt.Fprintf(w, "  Manifest: %s (%q)\n", v.ConfigFile, v.ManifestName)
	fmt.Fprintf(w, "  HTML shell: %s (script %s)\n", v.HTMLFile, v.Script)
	fmt.Fprintf(w, "  Server mode: %s\n", v.ServerMode)
	if v.ServerMode == config.ServerExternal {
		fmt.Fprintf(w, "  Server command: %s <port>\n", strings.Join(v.ServerCommand, " "))
	}
	fmt.Fprintf(w, "  Open browser: %t\n", v.OpenBrowser)
	fmt.Fprintf(w, "  Watch: %t (debounce %s)\n", v.Watch, v.WatchDebounce)

	b := r.cfg.Blur
	fmt.Fprintf(w, "\nBlur:\n")
	fmt.Fprintf(w, "  Top-k: %d\n", b.TopK)
	fmt.Fprintf(w, "  Step: %d\n", b.Step)
	fmt.Fprintf(w, "  Tolerance: %g\n", b.Tolerance)
	fmt.Fprintf(w, "  Multiplier: %g\n", b.Multiplier)
	fmt.Fprintf(w, "  Output dir: %s\n", b.OutputDir)
	fmt.Fprintf(w, "  Max dimension: %d\n", b.MaxDimension)
	fmt.Fprintf(w, "  Degree top-k: %d\n", b.DegreeTopK)

	fmt.Fprintf(w, "\nProcessing:\n")
	fmt.Fprintf(w, "  Parallel jobs: %d\n", r.cfg.Processing.ParallelJobs)
	fmt.Fprintf(w, "  Workers: %d\n", r.cfg.Processing.Workers)

	fmt.Fprintf(w, "\nLogging:\n")
	fmt.Fprintf(w, "  Level: %s\n", r.cfg.Logging.Level)
	fmt.Fprintf(w, "  Format: %s\n", r.cfg.Logging.Format)
	fmt.Fprintf(w, "  File output: %t (%s)\n", r.cfg.Logging.FileOutput, r.cfg.Logging.LogDir)

	fmt.Fprintf(w, "\nDatabase: %s\n", r.cfg.Paths.DatabasePath)
}

func (r *Root) showVersion() {
	fmt.Fprintf(r.out, "nvis %s\n", Version)
	fmt.Fprintf(r.out, "Built with Go %s\n", runtime.Version())
}
