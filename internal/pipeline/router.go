package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"nvis/internal/blur"
	"nvis/internal/diff"
	"nvis/internal/imageio"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log      *slog.Logger
	renderFn renderFunc
	scoreFn  scoreFunc
}

type renderFunc func(ctx context.Context, pathA, pathB, outDir string, opts diff.Options) (diff.Files, *diff.Result, error)

type scoreFunc func(path string, topK, maxDimension int) (float64, error)

func newRouter(logger *slog.Logger) Processor {
	return &router{
		log:      logger,
		renderFn: diff.RenderFiles,
		scoreFn:  scoreImage,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobDiff:
		return r.handleDiff(ctx, job)
	case JobScore:
		return r.handleScore(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleDiff(ctx context.Context, job Job) Result {
	if len(job.Inputs) != 2 {
		return Result{Job: job, Error: fmt.Errorf("diff needs two inputs, got %d", len(job.Inputs))}
	}
	opts := diff.Options{
		Window:       intOption(job.Options, "window", 0),
		TopK:         intOption(job.Options, "topK", 0),
		Step:         intOption(job.Options, "step", 1),
		Workers:      intOption(job.Options, "workers", 0),
		Tolerance:    floatOption(job.Options, "tolerance", 0),
		Multiplier:   floatOption(job.Options, "multiplier", 1),
		MaxDimension: intOption(job.Options, "maxDimension", 0),
	}

	files, res, err := r.renderFn(ctx, job.Inputs[0], job.Inputs[1], job.Output, opts)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	meta := map[string]any{
		"window": opts.Window,
		"blurA":  files.BlurA,
		"blurB":  files.BlurB,
		"output": files.Output,
	}
	if res != nil {
		meta["sharper"] = res.Sharper
		meta["blurrier"] = res.Blurrier
		meta["rawRangeA"] = []float64{res.MapA.RawMin, res.MapA.RawMax}
		meta["rawRangeB"] = []float64{res.MapB.RawMin, res.MapB.RawMax}
	}
	r.log.Info("diff written", "window", opts.Window, "output", files.Output)
	return Result{Job: job, Meta: meta}
}

func (r *router) handleScore(ctx context.Context, job Job) Result {
	if len(job.Inputs) != 1 {
		return Result{Job: job, Error: fmt.Errorf("score needs one input, got %d", len(job.Inputs))}
	}
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}
	topK := intOption(job.Options, "topK", 10)
	degree, err := r.scoreFn(job.Inputs[0], topK, intOption(job.Options, "maxDimension", 0))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{
		"input":  job.Inputs[0],
		"topK":   topK,
		"degree": degree,
	}}
}

func scoreImage(path string, topK, maxDimension int) (float64, error) {
	img, err := imageio.Load(path)
	if err != nil {
		return 0, err
	}
	return blur.Degree(imageio.ToGray(imageio.Downscale(img, maxDimension)), topK)
}

func intOption(opts map[string]any, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func floatOption(opts map[string]any, key string, def float64) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return def
}
