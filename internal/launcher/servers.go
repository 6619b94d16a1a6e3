package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"nvis/internal/config"
	"nvis/internal/server"
	"nvis/internal/storage"
)

// staticServer is a running file server. Stop must be safe to call after the
// server has already exited.
type staticServer interface {
	Addr() string
	Done() <-chan struct{}
	Err() error
	Stop() error
	Notify(msg string)
}

type startFunc func(ctx context.Context, opts Options, store *storage.Store, log *slog.Logger) (staticServer, error)

func startServer(_ context.Context, opts Options, store *storage.Store, log *slog.Logger) (staticServer, error) {
	switch opts.Mode {
	case config.ServerBuiltin:
		b, err := startBuiltin(opts, store, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.ServerExternal:
		e, err := startExternal(opts, log)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown server mode %q", opts.Mode)
	}
}

// builtinServer runs the in-process server on its own context so that only
// Stop shuts it down.
type builtinServer struct {
	srv    *server.Server
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func startBuiltin(opts Options, store *storage.Store, log *slog.Logger) (*builtinServer, error) {
	srv := server.New(opts.Root, store, log, opts.Verbose)
	if err := srv.Listen(net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &builtinServer{srv: srv, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(b.done)
		b.err = srv.Serve(ctx)
	}()
	return b, nil
}

func (b *builtinServer) Addr() string          { return b.srv.Addr() }
func (b *builtinServer) Done() <-chan struct{} { return b.done }
func (b *builtinServer) Notify(msg string)     { b.srv.Hub().Broadcast(msg) }

func (b *builtinServer) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

func (b *builtinServer) Stop() error {
	b.cancel()
	<-b.done
	return b.err
}

// externalServer is a child process such as "python3 -m http.server".
type externalServer struct {
	cmd      *exec.Cmd
	addr     string
	done     chan struct{}
	err      error
	stopOnce sync.Once
}

func startExternal(opts Options, log *slog.Logger) (*externalServer, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("no server command configured")
	}
	port := strconv.Itoa(opts.Port)
	args := append(append([]string{}, opts.Command[1:]...), port)
	cmd := exec.Command(opts.Command[0], args...)
	cmd.Dir = opts.Root
	if opts.Verbose {
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	log.Info("server process started", "pid", cmd.Process.Pid, "command", cmd.Args)

	e := &externalServer{cmd: cmd, addr: net.JoinHostPort(opts.Host, port), done: make(chan struct{})}
	go func() {
		defer close(e.done)
		e.err = cmd.Wait()
	}()
	return e, nil
}

func (e *externalServer) Addr() string          { return e.addr }
func (e *externalServer) Done() <-chan struct{} { return e.done }
func (e *externalServer) Notify(string)         {}

func (e *externalServer) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// Stop kills the child and waits for it to be reaped.
func (e *externalServer) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		select {
		case <-e.done:
			return
		default:
		}
		if kerr := e.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = kerr
		}
		<-e.done
	})
	return err
}
