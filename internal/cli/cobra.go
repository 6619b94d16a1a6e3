package cli

import (
	"fmt"
	"log/slog"
	"strconv"

	"nvis/internal/config"
	"nvis/internal/pipeline"
	"nvis/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nvis",
		Short: "nvis views image sequences and compares image sharpness",
		Long: `nvis serves numbered PNG sequences (name_00001.png, ...) to a browser viewer
and renders blur-map differences between pairs of images.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			root.out = cmd.OutOrStdout()
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&root.verbose, "verbose", "v", false, "debug logging; show server output")

	rootCmd.AddCommand(newViewCmd(root))
	rootCmd.AddCommand(newDiffCmd(root))
	rootCmd.AddCommand(newScoreCmd(root))
	rootCmd.AddCommand(newManifestCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newViewCmd(root *Root) *cobra.Command {
	var f viewFlags

	cmd := &cobra.Command{
		Use:   "view <dir> [dir...]",
		Short: "Serve image sequences to the browser viewer",
		Long: `Scan each directory for files named <prefix>_NNNNN.png, write nvis_config.json
and index.html into the serve root, start a static server on localhost and open
a browser. Runs until interrupted.

Examples:
  nvis view out/ ref/
  nvis view out/ -p 9000 --no-browser
  nvis view out/ --watch`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runView(cmd.Context(), args, f)
		},
	}

	cmd.Flags().IntVarP(&f.port, "port", "p", 0, "port to serve on (default from config, 8000)")
	cmd.Flags().StringVar(&f.root, "root", "", "directory to write viewer files into and serve")
	cmd.Flags().StringVar(&f.name, "name", "", "manifest name shown by the viewer")
	cmd.Flags().StringVar(&f.mode, "mode", "", "static server: builtin or external")
	cmd.Flags().BoolVar(&f.noBrowser, "no-browser", false, "do not open a browser")
	cmd.Flags().BoolVar(&f.watch, "watch", false, "rebuild the manifest and reload viewers when frames change")
	cmd.Flags().StringVar(&f.script, "script", "", "URL of the viewer script")
	cmd.Flags().StringArrayVar(&f.shaders, "shader", nil, "shader JSON file for the viewer (repeatable)")

	return cmd
}

func newDiffCmd(root *Root) *cobra.Command {
	var f diffFlags

	cmd := &cobra.Command{
		Use:   "diff <image-a> <image-b> <window> [window...]",
		Short: "Render the blur-map difference of two images",
		Long: `Compute a windowed SVD blur map for both images and tint a copy of the first:
red where it is sharper, green where it is blurrier. Writes blur-a-<w>.png,
blur-b-<w>.png and output-<w>.png for every window size.`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			windows := make([]int, 0, len(args)-2)
			for _, a := range args[2:] {
				w, err := strconv.Atoi(a)
				if err != nil || w < 1 {
					return fmt.Errorf("invalid window size %q", a)
				}
				windows = append(windows, w)
			}
			return root.runDiff(cmd.Context(), args[0], args[1], windows, f)
		},
	}

	b := root.cfg.Blur
	cmd.Flags().IntVar(&f.topK, "top-k", b.TopK, "singular values counted as sharp (0 derives it from the window)")
	cmd.Flags().IntVar(&f.step, "step", b.Step, "evaluate every n-th pixel and fill the block")
	cmd.Flags().Float64Var(&f.tolerance, "tolerance", b.Tolerance, "ignore differences up to this magnitude")
	cmd.Flags().Float64Var(&f.multiplier, "multiplier", b.Multiplier, "scale differences before tinting")
	cmd.Flags().StringVarP(&f.out, "out", "o", b.OutputDir, "output directory")
	cmd.Flags().IntVar(&f.maxDimension, "max-dimension", b.MaxDimension, "downscale inputs so no side exceeds this (0 keeps size)")

	return cmd
}

func newScoreCmd(root *Root) *cobra.Command {
	var (
		topK         int
		maxDimension int
	)

	cmd := &cobra.Command{
		Use:   "score <image>",
		Short: "Print the whole-image blur degree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if topK < 1 {
				return fmt.Errorf("--top-k must be at least 1")
			}
			return root.runScore(cmd.Context(), args[0], topK, maxDimension)
		},
	}

	cmd.Flags().IntVar(&topK, "top-k", root.cfg.Blur.DegreeTopK, "singular values counted as sharp")
	cmd.Flags().IntVar(&maxDimension, "max-dimension", root.cfg.Blur.MaxDimension, "downscale before scoring (0 keeps size)")

	return cmd
}

func newManifestCmd(root *Root) *cobra.Command {
	var (
		out     string
		name    string
		shaders []string
	)

	cmd := &cobra.Command{
		Use:   "manifest <dir> [dir...]",
		Short: "Write the viewer manifest without serving",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runManifest(args, out, name, shaders)
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", root.cfg.Viewer.ConfigFile, "manifest path")
	cmd.Flags().StringVar(&name, "name", "", "manifest name")
	cmd.Flags().StringArrayVar(&shaders, "shader", nil, "shader JSON file (repeatable)")

	return cmd
}

func newHistoryCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent diff and score runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runHistory(limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")

	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.showVersion()
		},
	}
}
