package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"nvis/internal/config"
	"nvis/internal/manifest"
	"nvis/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeServer struct {
	mu      sync.Mutex
	done    chan struct{}
	err     error
	stopped int
	notes   []string
}

func newFakeServer() *fakeServer {
	return &fakeServer{done: make(chan struct{})}
}

func (f *fakeServer) Addr() string          { return "localhost:8000" }
func (f *fakeServer) Done() <-chan struct{} { return f.done }
func (f *fakeServer) Err() error            { return f.err }

func (f *fakeServer) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeServer) Notify(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, msg)
}

func (f *fakeServer) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// syncBuffer guards a buffer written by Run and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeFrames(t *testing.T, dir, prefix string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		name := filepath.Join(dir, fmt.Sprintf("%s_%05d.png", prefix, i))
		if err := os.WriteFile(name, []byte("png"), 0o644); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
}

func mkdir(t *testing.T, parent, name string) string {
	t.Helper()
	dir := filepath.Join(parent, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return dir
}

func newTestLauncher(opts Options, out io.Writer, srv *fakeServer) *Launcher {
	l := New(opts, quietLogger(), nil, out)
	l.start = func(ctx context.Context, opts Options, store *storage.Store, log *slog.Logger) (staticServer, error) {
		return srv, nil
	}
	return l
}

func TestRunWritesFilesAndStopsServerOnCancel(t *testing.T) {
	root := t.TempDir()
	frames := mkdir(t, root, "out")
	writeFrames(t, frames, "output", 3)

	srv := newFakeServer()
	var out syncBuffer
	opened := make(chan string, 1)
	l := newTestLauncher(Options{Dirs: []string{frames}, Root: root, Port: 8000, OpenBrowser: true}, &out, srv)
	l.open = func(url string) error {
		opened <- url
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	select {
	case url := <-opened:
		if url != "http://localhost:8000/" {
			t.Fatalf("unexpected url %s", url)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("browser never opened")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("expected nil on interrupt, got %v", err)
	}
	if srv.stopCount() != 1 {
		t.Fatalf("expected server stopped once, got %d", srv.stopCount())
	}

	m, err := manifest.Load(filepath.Join(root, "nvis_config.json"))
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if m.Name != manifest.DefaultName || len(m.Streams) != 1 || len(m.Streams[0].Files) != 3 {
		t.Fatalf("unexpected manifest %+v", m)
	}
	if m.Streams[0].Files[0] != "out/output_00000.png" {
		t.Fatalf("expected file relative to serve root, got %s", m.Streams[0].Files[0])
	}

	html, err := os.ReadFile(filepath.Join(root, "index.html"))
	if err != nil {
		t.Fatalf("read html: %v", err)
	}
	for _, want := range []string{`src="nvis.js"`, `nvis.config("nvis_config.json")`} {
		if !strings.Contains(string(html), want) {
			t.Fatalf("html missing %s:\n%s", want, html)
		}
	}
	if strings.Contains(string(html), "WebSocket") {
		t.Fatalf("live reload must be off without --watch")
	}
	if strings.Contains(out.String(), "Please open a browser") {
		t.Fatalf("fallback message printed despite successful open")
	}
}

func TestBrowserFailurePrintsURL(t *testing.T) {
	srv := newFakeServer()
	var out syncBuffer
	l := newTestLauncher(Options{Root: t.TempDir(), Port: 8123, OpenBrowser: true}, &out, srv)
	l.open = func(string) error { return errors.New("no display") }

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "Please open a browser on: http://localhost:8123/") {
		if time.Now().After(deadline) {
			t.Fatalf("fallback message not printed, got %q", out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestNoBrowserSkipsOpen(t *testing.T) {
	srv := newFakeServer()
	l := newTestLauncher(Options{Root: t.TempDir(), OpenBrowser: false}, io.Discard, srv)
	l.open = func(string) error {
		t.Errorf("browser must not be opened")
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if srv.stopCount() != 1 {
		t.Fatalf("server not stopped")
	}
}

func TestServerExitEndsRun(t *testing.T) {
	srv := newFakeServer()
	srv.err = errors.New("exit status 1")
	close(srv.done)
	l := newTestLauncher(Options{Root: t.TempDir()}, io.Discard, srv)

	err := l.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "exit status 1") {
		t.Fatalf("expected server exit error, got %v", err)
	}
	if srv.stopCount() != 1 {
		t.Fatalf("server must be stopped even after exiting, got %d", srv.stopCount())
	}
}

func TestStartFailureIsReported(t *testing.T) {
	l := New(Options{Root: t.TempDir()}, quietLogger(), nil, io.Discard)
	l.start = func(context.Context, Options, *storage.Store, *slog.Logger) (staticServer, error) {
		return nil, errors.New("address already in use")
	}
	if err := l.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "address already in use") {
		t.Fatalf("expected start error, got %v", err)
	}
}

func TestFramesOutsideRootAreDropped(t *testing.T) {
	outside := t.TempDir()
	writeFrames(t, outside, "stray", 2)
	root := t.TempDir()
	inside := mkdir(t, root, "out")
	writeFrames(t, inside, "foo", 1)

	l := newTestLauncher(Options{Dirs: []string{outside, inside}, Root: root}, io.Discard, newFakeServer())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	m, err := manifest.Load(filepath.Join(root, "nvis_config.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(m.Streams) != 1 || m.Streams[0].Files[0] != "out/foo_00000.png" {
		t.Fatalf("expected only the stream under root, got %+v", m.Streams)
	}
}

func TestEmptyManifestIsValid(t *testing.T) {
	root := t.TempDir()
	srv := newFakeServer()
	l := newTestLauncher(Options{Dirs: []string{filepath.Join(root, "missing")}, Root: root}, io.Discard, srv)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	m, err := manifest.Load(filepath.Join(root, "nvis_config.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(m.Streams) != 0 {
		t.Fatalf("expected no streams, got %+v", m.Streams)
	}
}

func TestBuiltinServerServesRootAndReloads(t *testing.T) {
	root := t.TempDir()
	frames := mkdir(t, root, "frames")
	writeFrames(t, frames, "target", 1)

	opened := make(chan string, 1)
	l := New(Options{
		Dirs:        []string{frames},
		Root:        root,
		Host:        "127.0.0.1",
		Port:        0,
		Mode:        config.ServerBuiltin,
		OpenBrowser: true,
		Watch:       true,
		Debounce:    50 * time.Millisecond,
	}, quietLogger(), nil, io.Discard)
	l.open = func(url string) error {
		opened <- url
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	var url string
	select {
	case url = <-opened:
	case err := <-errCh:
		t.Fatalf("run ended early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("server never came up")
	}

	resp, err := http.Get(url + "index.html")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "WebSocket") {
		t.Fatalf("expected live reload snippet in served shell")
	}

	m, err := manifest.Load(filepath.Join(root, "nvis_config.json"))
	if err != nil || len(m.Streams) != 1 {
		t.Fatalf("unexpected manifest %+v (%v)", m, err)
	}
	resp, err = http.Get(url + m.Streams[0].Files[0])
	if err != nil {
		t.Fatalf("get frame: %v", err)
	}
	frame, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(frame) != "png" {
		t.Fatalf("manifest entry %s not served: %d %q", m.Streams[0].Files[0], resp.StatusCode, frame)
	}

	writeFrames(t, frames, "output", 2)
	deadline := time.Now().Add(5 * time.Second)
	for {
		m, err := manifest.Load(filepath.Join(root, "nvis_config.json"))
		if err == nil && len(m.Streams) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("manifest not rebuilt after frames changed: %+v", m)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
	if _, err := http.Get(url + "index.html"); err == nil {
		t.Fatalf("server still reachable after shutdown")
	}
}

func TestExternalServerIsKilledOnStop(t *testing.T) {
	srv, err := startExternal(Options{
		Root:    t.TempDir(),
		Host:    "localhost",
		Port:    8000,
		Command: []string{"sh", "-c", "exec sleep 30", "sh"},
	}, quietLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if srv.Addr() != "localhost:8000" {
		t.Fatalf("unexpected addr %s", srv.Addr())
	}
	select {
	case <-srv.Done():
		t.Fatalf("child exited early: %v", srv.Err())
	default:
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("child not reaped")
	}
	if srv.cmd.ProcessState == nil || srv.cmd.ProcessState.Success() {
		t.Fatalf("expected killed child, got %v", srv.cmd.ProcessState)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("second stop must be a no-op: %v", err)
	}
}

func TestExternalServerWithoutCommand(t *testing.T) {
	if _, err := startExternal(Options{}, quietLogger()); err == nil {
		t.Fatalf("expected error for empty command")
	}
}
