// Package harness sequences the coordination demo flow: stand up the
// server, register a namespace and a client, fork the client process,
// drain its output, and finalize.
package harness

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/coordnet/coordtest/coord"
	"github.com/coordnet/coordtest/coord/server"
	"github.com/coordnet/coordtest/launch"
	"go.uber.org/zap"
)

// Harness runs the demo flow once. Status lines and tagged child output
// go to Out; diagnostics go to the logger.
type Harness struct {
	log *zap.SugaredLogger
	out io.Writer

	nspace string
	size   int

	command string
	args    []string
	wd      string

	serverOpts []server.Option
	newServer  func(opts ...server.Option) (*server.Server, error)
}

type Option func(h *Harness)

func WithOutput(w io.Writer) Option {
	return func(h *Harness) {
		h.out = w
	}
}

func WithNamespace(name string, size int) Option {
	return func(h *Harness) {
		h.nspace = name
		h.size = size
	}
}

func WithCommand(command string, args ...string) Option {
	return func(h *Harness) {
		h.command = command
		h.args = args
	}
}

func WithWD(wd string) Option {
	return func(h *Harness) {
		h.wd = wd
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Harness) {
		h.log = l.Named("harness").Sugar()
	}
}

func WithServerOptions(opts ...server.Option) Option {
	return func(h *Harness) {
		h.serverOpts = opts
	}
}

// WithServerConstructor replaces how the harness constructs its server.
func WithServerConstructor(f func(opts ...server.Option) (*server.Server, error)) Option {
	return func(h *Harness) {
		h.newServer = f
	}
}

// New constructs a harness with the demo defaults: one rank in namespace
// "testnspace", output to stdout.
func New(opts ...Option) (*Harness, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	h := &Harness{
		log:       logger.Named("harness").Sugar(),
		out:       os.Stdout,
		nspace:    "testnspace",
		size:      1,
		newServer: server.New,
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// Run executes the demo sequence and returns the child's exit code.
// SIGINT and SIGTERM cancel the run: the child is killed, the drain loop
// returns, and the server is finalized.
//
// A server construction failure returns exit code 1 without attempting
// any further coordination call. Every other coordination status is
// printed and not acted on.
func (h *Harness) Run(ctx context.Context) (int, error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := h.newServer(h.serverOpts...)
	if err != nil {
		fmt.Fprintln(h.out, "FAILED TO CREATE SERVER")
		return 1, fmt.Errorf("creating server: %w", err)
	}
	fmt.Fprintln(h.out, "Testing server version", srv.Version())

	attrs := []coord.Attribute{
		{Name: "FOOBAR", Value: "VAR", Type: coord.AttrString},
		{Name: "BLAST", Value: 7, Type: coord.AttrSize},
	}
	handlers := map[string]coord.EventHandler{
		coord.EventClientConnected: func(ev coord.Event) coord.Status {
			fmt.Fprintln(h.out, "CLIENT CONNECTED", ev.Peer)
			return coord.Success
		},
	}
	if rc := srv.Init(attrs, handlers); rc != coord.Success {
		h.log.Warnw("init returned non-success", "Status", rc)
	}

	fmt.Fprintln(h.out, "Testing initialized")
	fmt.Fprintln(h.out, "Initialized:", srv.Initialized())
	fmt.Fprintln(h.out, "Version:", srv.Version())

	rc := srv.RegisterNamespace(h.nspace, h.size, nil)
	fmt.Fprintln(h.out, "RegNspace", int(rc))

	id := coord.Identity{Nspace: h.nspace, Rank: 0}
	rc = srv.RegisterClient(id, os.Getuid(), os.Getgid())
	fmt.Fprintln(h.out, "RegClient", int(rc))

	env := map[string]string{}
	rc = srv.SetupFork(id, env)
	fmt.Fprintln(h.out, "SetupFrk", int(rc))

	envSlice := make([]string, 0, len(env))
	for k, v := range env {
		envSlice = append(envSlice, k+"="+v)
	}

	proc, err := launch.StartProc(ctx, launch.StartProcRequest{
		Command: h.command,
		Args:    h.args,
		Env:     envSlice,
		WD:      h.wd,
	})
	if err != nil {
		srv.Finalize()
		return 1, fmt.Errorf("starting client process: %w", err)
	}

	err = proc.Drain(func(line launch.Line) {
		fmt.Fprintln(h.out, line)
	})
	if err != nil {
		proc.Signal(os.Kill)
		proc.Wait(context.Background())
		srv.Finalize()
		return 1, fmt.Errorf("draining client output: %w", err)
	}

	fmt.Fprintln(h.out, "FINALIZING")

	res, err := proc.Wait(ctx)
	if err != nil {
		srv.Finalize()
		return 1, fmt.Errorf("waiting for client process: %w", err)
	}
	h.log.Infow("client process exited", "ExitCode", res.ExitCode, "TimeMS", res.TimeMS)

	srv.Finalize()
	return res.ExitCode, nil
}
