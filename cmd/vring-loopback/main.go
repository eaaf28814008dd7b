// Command vring-loopback runs a virtio console driver against an emulated
// virtio-mmio device that echoes its transmit queue into its receive queue.
// Bytes read from stdin make a full round trip through both virtqueues before
// they're written to stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/c35s/vring/virtio/dma"
	"github.com/c35s/vring/virtio/vqstat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func main() {

	var (
		configPath = flag.String("config", "", "load settings from a YAML file or URL")
		legacy     = flag.Bool("legacy", false, "emulate a legacy (version 1) virtio-mmio device")
		queueSize  = flag.Uint("queue-size", 0, "set the size of both queues")
		metrics    = flag.String("metrics", "", "serve Prometheus metrics on this address")
		verbose    = flag.Bool("v", false, "log debug records")
	)

	flag.Parse()

	cfg := defaultConfig()
	if *configPath != "" {
		body, err := readURL(*configPath)
		if err != nil {
			fatal(err)
		}

		if cfg, err = parseConfig(body); err != nil {
			fatal(err)
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "legacy":
			cfg.Legacy = *legacy
		case "queue-size":
			cfg.Queue.Size = uint16(*queueSize)
		case "metrics":
			cfg.Metrics.Listen = *metrics
		}
	})

	if *verbose {
		cfg.LogLevel = "debug"
	}

	if err := cfg.validate(); err != nil {
		fatal(err)
	}

	level, _ := cfg.level()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	restore := func() {}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		old, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			fatal(err)
		}

		restore = func() { term.Restore(int(os.Stdin.Fd()), old) }
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, cfg, os.Stdin, os.Stdout, log)

	stop()
	restore()

	if err != nil {
		log.Error("vring: loopback failed", "err", err)
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(2)
}

func run(ctx context.Context, cfg Config, in io.Reader, out io.Writer, log *slog.Logger) error {
	arena, err := dma.NewArena(cfg.ArenaMiB<<20, arenaBase)
	if err != nil {
		return err
	}

	defer arena.Close()

	lb, err := newLoopback(cfg, out, log, arena)
	if err != nil {
		return err
	}

	defer lb.close()

	if err := lb.attach(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return lb.serve(ctx)
	})

	if cfg.Metrics.Listen != "" {
		srv := metricsServer(cfg.Metrics, lb, log)

		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			return nil
		})

		g.Go(func() error {
			<-ctx.Done()

			shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			return srv.Shutdown(shutdown)
		})
	}

	g.Go(func() error {
		if err := pump(ctx, lb, in); err != nil {
			return err
		}

		// stop the other goroutines
		return errEOF
	})

	if err := g.Wait(); !errors.Is(err, errEOF) && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

var errEOF = errors.New("vring: end of input")

// pump sends input to the device until EOF, a ^C or ^D byte in raw mode, or ctx
// is done, then waits for the echo of everything it sent. The read runs on its
// own goroutine since it can't be interrupted.
func pump(ctx context.Context, lb *loopback, in io.Reader) error {
	type chunk struct {
		p   []byte
		err error
	}

	chunks := make(chan chunk)

	go func() {
		for {
			p := make([]byte, lb.cfg.Queue.BufSize)
			n, err := in.Read(p)

			select {
			case chunks <- chunk{p[:n], err}:
			case <-ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c := <-chunks:
			p, eof := c.p, false
			for i, b := range p {
				if b == 0x03 || b == 0x04 {
					p, eof = p[:i], true
					break
				}
			}

			if err := lb.send(ctx, p); err != nil {
				return err
			}

			if c.err != nil && !errors.Is(c.err, io.EOF) {
				return c.err
			}

			if eof || c.err != nil {
				flush, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()

				return lb.flush(flush)
			}
		}
	}
}

func metricsServer(cfg MetricsConfig, lb *loopback, log *slog.Logger) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		vqstat.New("vring", lb.dev.Queues))

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(log.Handler(), slog.LevelError),
	}))

	log.Info("vring: serving metrics", "listen", cfg.Listen, "path", cfg.Path)

	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
