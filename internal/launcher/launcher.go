// Package launcher writes the viewer files, serves them on localhost and
// keeps the server alive until the caller is interrupted.
package launcher

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/browser"

	"nvis/internal/config"
	"nvis/internal/fsutil"
	"nvis/internal/manifest"
	"nvis/internal/storage"
	"nvis/internal/watch"
)

//go:embed templates/index.html.tmpl
var indexTemplate string

var shellTemplate = template.Must(template.New("index").Parse(indexTemplate))

// Options describes one viewer launch.
type Options struct {
	Dirs        []string
	Root        string
	Host        string
	Port        int
	ConfigFile  string
	HTMLFile    string
	Script      string
	Name        string
	Shaders     []string
	Mode        string // config.ServerBuiltin or config.ServerExternal
	Command     []string
	OpenBrowser bool
	Watch       bool
	Debounce    time.Duration
	Verbose     bool
}

// Launcher owns the lifecycle of a viewer session.
type Launcher struct {
	opts  Options
	log   *slog.Logger
	store *storage.Store
	out   io.Writer
	open  func(url string) error
	start startFunc
}

// New prepares a launcher. Messages meant for the user go to out.
func New(opts Options, log *slog.Logger, store *storage.Store, out io.Writer) *Launcher {
	if log == nil {
		log = slog.Default()
	}
	if opts.Root == "" {
		opts.Root = "."
	}
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.ConfigFile == "" {
		opts.ConfigFile = "nvis_config.json"
	}
	if opts.HTMLFile == "" {
		opts.HTMLFile = "index.html"
	}
	if opts.Script == "" {
		opts.Script = "nvis.js"
	}
	if opts.Mode == "" {
		opts.Mode = config.ServerBuiltin
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	return &Launcher{
		opts:  opts,
		log:   log,
		store: store,
		out:   out,
		open:  browser.OpenURL,
		start: startServer,
	}
}

// Run writes the manifest and HTML shell, starts the static server, opens
// the browser and blocks until ctx is cancelled or the server exits. The
// server is stopped on every return path.
func (l *Launcher) Run(ctx context.Context) error {
	m, err := l.writeManifest()
	if err != nil {
		return err
	}
	if err := l.writeShell(); err != nil {
		return err
	}

	srv, err := l.start(ctx, l.opts, l.store, l.log)
	if err != nil {
		return fmt.Errorf("start %s server: %w", l.opts.Mode, err)
	}
	defer func() {
		if err := srv.Stop(); err != nil {
			l.log.Warn("failed to stop server", "error", err)
		}
		l.log.Info("server stopped")
	}()

	url := l.url(srv.Addr())
	sessionID := uuid.NewString()
	if err := l.store.RecordSessionStart(storage.SessionRecord{
		ID:      sessionID,
		Root:    l.opts.Root,
		Dirs:    l.opts.Dirs,
		Port:    l.opts.Port,
		Mode:    l.opts.Mode,
		Streams: len(m.Streams),
		Images:  m.ImageCount(),
	}); err != nil {
		l.log.Warn("failed to record session", "error", err)
	}
	defer func() {
		if err := l.store.RecordSessionStop(sessionID); err != nil {
			l.log.Warn("failed to record session stop", "error", err)
		}
	}()

	if l.opts.Watch {
		stopWatch, err := l.startWatch(srv, sessionID)
		if err != nil {
			return err
		}
		defer stopWatch()
	}

	fmt.Fprintf(l.out, "Serving %d streams (%d images) at %s\n", len(m.Streams), m.ImageCount(), url)
	if l.opts.OpenBrowser {
		if err := l.open(url); err != nil {
			l.log.Debug("browser launch failed", "error", err)
			fmt.Fprintf(l.out, "Please open a browser on: %s\n", url)
		}
	}

	select {
	case <-ctx.Done():
		l.log.Info("interrupted, shutting down")
		return nil
	case <-srv.Done():
		if err := srv.Err(); err != nil {
			return fmt.Errorf("static server exited: %w", err)
		}
		return errors.New("static server exited unexpectedly")
	}
}

func (l *Launcher) buildManifest() manifest.Manifest {
	b := &manifest.Builder{Name: l.opts.Name, Shaders: l.opts.Shaders, Log: l.log, Root: l.opts.Root}
	return b.Build(l.opts.Dirs)
}

func (l *Launcher) writeManifest() (manifest.Manifest, error) {
	m := l.buildManifest()
	if err := m.WriteFile(filepath.Join(l.opts.Root, l.opts.ConfigFile)); err != nil {
		return m, err
	}
	return m, nil
}

func (l *Launcher) writeShell() error {
	var buf bytes.Buffer
	err := shellTemplate.Execute(&buf, map[string]any{
		"Title":      "nvis",
		"Script":     l.opts.Script,
		"ConfigFile": l.opts.ConfigFile,
		"LiveReload": l.opts.Watch && l.opts.Mode == config.ServerBuiltin,
	})
	if err != nil {
		return fmt.Errorf("render %s: %w", l.opts.HTMLFile, err)
	}
	path := filepath.Join(l.opts.Root, l.opts.HTMLFile)
	if err := fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// startWatch rebuilds the manifest whenever frames change and tells
// connected viewers to reload.
func (l *Launcher) startWatch(srv staticServer, sessionID string) (func(), error) {
	w, err := watch.New(l.opts.Dirs, l.opts.Debounce, l.log)
	if err != nil {
		return nil, fmt.Errorf("start watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx, func(evs []watch.Event) {
			m, err := l.writeManifest()
			if err != nil {
				l.log.Error("failed to rewrite manifest", "error", err)
				return
			}
			l.log.Info("manifest rebuilt", "changes", len(evs), "streams", len(m.Streams), "images", m.ImageCount())
			if err := l.store.UpdateSessionCounts(sessionID, len(m.Streams), m.ImageCount()); err != nil {
				l.log.Warn("failed to update session", "error", err)
			}
			srv.Notify("reload")
		})
	}()
	return func() {
		cancel()
		<-done
		w.Close()
	}, nil
}

func (l *Launcher) url(addr string) string {
	port := fmt.Sprint(l.opts.Port)
	if _, p, err := net.SplitHostPort(addr); err == nil && p != "0" {
		port = p
	}
	return "http://" + net.JoinHostPort(l.opts.Host, port) + "/"
}
