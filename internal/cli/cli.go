package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"nvis/internal/config"
	"nvis/internal/launcher"
	"nvis/internal/manifest"
	"nvis/internal/pipeline"
	"nvis/internal/storage"
)

type pipelineClient interface {
	Submit(ctx context.Context, job pipeline.Job) error
	Subscribe(buffer int) (<-chan pipeline.Result, func())
}

type viewFunc func(ctx context.Context, opts launcher.Options) error

// Root wires CLI commands to the launcher and the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	viewFn   viewFunc
	out      io.Writer
	verbose  bool
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		out:      os.Stdout,
	}
	r.viewFn = func(ctx context.Context, opts launcher.Options) error {
		return launcher.New(opts, r.log, r.store, r.out).Run(ctx)
	}
	return r
}

// VerboseRequested reports whether args carry -v or --verbose before any
// "--" terminator, so logging can be configured before flag parsing.
func VerboseRequested(args []string) bool {
	for _, a := range args {
		switch a {
		case "--":
			return false
		case "-v", "--verbose", "--verbose=true":
			return true
		}
	}
	return false
}

type viewFlags struct {
	port      int
	root      string
	name      string
	mode      string
	noBrowser bool
	watch     bool
	script    string
	shaders   []string
}

func (r *Root) viewOptions(dirs []string, f viewFlags) (launcher.Options, error) {
	v := r.cfg.Viewer
	opts := launcher.Options{
		Dirs:        dirs,
		Root:        v.Root,
		Host:        v.Host,
		Port:        v.Port,
		ConfigFile:  v.ConfigFile,
		HTMLFile:    v.HTMLFile,
		Script:      v.Script,
		Name:        v.ManifestName,
		Shaders:     f.shaders,
		Mode:        v.ServerMode,
		Command:     v.ServerCommand,
		OpenBrowser: v.OpenBrowser && !f.noBrowser,
		Watch:       v.Watch || f.watch,
		Verbose:     r.verbose,
	}
	if f.port != 0 {
		opts.Port = f.port
	}
	if f.root != "" {
		opts.Root = f.root
	}
	if f.name != "" {
		opts.Name = f.name
	}
	if f.mode != "" {
		opts.Mode = f.mode
	}
	if f.script != "" {
		opts.Script = f.script
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return opts, fmt.Errorf("invalid port %d", opts.Port)
	}
	if opts.Mode != config.ServerBuiltin && opts.Mode != config.ServerExternal {
		return opts, fmt.Errorf("unknown server mode %q", opts.Mode)
	}
	if v.WatchDebounce != "" {
		d, err := time.ParseDuration(v.WatchDebounce)
		if err != nil {
			return opts, fmt.Errorf("viewer.watch_debounce: %w", err)
		}
		opts.Debounce = d
	}
	return opts, nil
}

func (r *Root) runView(ctx context.Context, dirs []string, f viewFlags) error {
	opts, err := r.viewOptions(dirs, f)
	if err != nil {
		return err
	}
	r.log.Info("launching viewer", "dirs", dirs, "port", opts.Port, "mode", opts.Mode, "root", opts.Root)
	return r.viewFn(ctx, opts)
}

type diffFlags struct {
	topK         int
	step         int
	tolerance    float64
	multiplier   float64
	out          string
	maxDimension int
}

// runDiff submits one diff job per window and waits for all of them.
// Results are drained while jobs are still being queued so a long window
// list never stalls behind a full queue.
func (r *Root) runDiff(ctx context.Context, a, b string, windows []int, f diffFlags) error {
	resCh, unsubscribe := r.pipeline.Subscribe(len(windows))
	defer unsubscribe()

	jobs := make([]pipeline.Job, 0, len(windows))
	pending := make(map[string]int, len(windows))
	for _, w := range windows {
		job := pipeline.Job{
			ID:     newID("diff"),
			Type:   pipeline.JobDiff,
			Inputs: []string{a, b},
			Output: f.out,
			Options: map[string]any{
				"window":       w,
				"topK":         f.topK,
				"step":         f.step,
				"workers":      r.cfg.Processing.Workers,
				"tolerance":    f.tolerance,
				"multiplier":   f.multiplier,
				"maxDimension": f.maxDimension,
			},
		}
		jobs = append(jobs, job)
		pending[job.ID] = w
	}

	submitCtx, cancel := context.WithCancel(ctx)
	submitErr := make(chan error, 1)
	submitDone := make(chan struct{})
	go func() {
		defer close(submitDone)
		for _, job := range jobs {
			if err := r.enqueue(submitCtx, job); err != nil {
				submitErr <- err
				return
			}
		}
	}()
	defer func() {
		cancel()
		<-submitDone
	}()

	var errs []error
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-submitErr:
			return err
		case res, ok := <-resCh:
			if !ok {
				return fmt.Errorf("pipeline stopped before completion")
			}
			w, mine := pending[res.Job.ID]
			if !mine {
				continue
			}
			delete(pending, res.Job.ID)
			if res.Error != nil {
				errs = append(errs, fmt.Errorf("window %d: %w", w, res.Error))
				continue
			}
			fmt.Fprintf(r.out, "window %d: %v (blur maps %v, %v)\n", w, res.Meta["output"], res.Meta["blurA"], res.Meta["blurB"])
		}
	}
	return errors.Join(errs...)
}

func (r *Root) runScore(ctx context.Context, path string, topK, maxDimension int) error {
	job := pipeline.Job{
		ID:      newID("score"),
		Type:    pipeline.JobScore,
		Inputs:  []string{path},
		Options: map[string]any{"topK": topK, "maxDimension": maxDimension},
	}
	res, err := r.enqueueAndWait(ctx, job)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s: blur degree %.6f (top %d)\n", path, res.Meta["degree"], topK)
	return nil
}

func (r *Root) runManifest(dirs []string, out, name string, shaders []string) error {
	if name == "" {
		name = r.cfg.Viewer.ManifestName
	}
	m := (&manifest.Builder{Name: name, Shaders: shaders, Log: r.log}).Build(dirs)
	if err := m.WriteFile(out); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "wrote %s: %d streams, %d images\n", out, len(m.Streams), m.ImageCount())
	return nil
}

func (r *Root) runHistory(limit int) error {
	runs, err := r.store.RecentRuns(limit)
	if err != nil {
		return fmt.Errorf("read run history: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(r.out, "no runs recorded")
		return nil
	}
	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tCREATED\tINPUTS\tERROR")
	for _, rec := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Kind, rec.Status, rec.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			strings.Join(rec.Inputs, " "), rec.Error)
	}
	return tw.Flush()
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe(0)
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	if err := r.pipeline.Submit(ctx, job); err != nil {
		return err
	}
	r.log.Info("job queued", "type", job.Type, "id", job.ID, "inputs", job.Inputs)
	return nil
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
