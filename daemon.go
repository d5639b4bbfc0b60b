package banco

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/banco/internal/heartbeat"
	"github.com/loykin/banco/internal/history"
	"github.com/loykin/banco/internal/history/factory"
	"github.com/loykin/banco/internal/logger"
	"github.com/loykin/banco/internal/metrics"
	"github.com/loykin/banco/internal/registry"
	"github.com/loykin/banco/internal/rpc"
	"github.com/loykin/banco/internal/server"
	"github.com/loykin/banco/internal/supervisor"
	"github.com/loykin/banco/internal/teller"
	tlsx "github.com/loykin/banco/internal/tls"
	"github.com/loykin/banco/internal/wire"
)

const shutdownSlack = 5 * time.Second

// Daemon is a fully wired teller: IPC socket, heartbeat sweep, optional
// admin HTTP, metrics listener, usage sampler and history recorder.
type Daemon struct {
	cfg       *Config
	log       *slog.Logger
	logCloser io.Closer

	teller *teller.Teller
	rpc    *rpc.Server
	rec    *history.Recorder
	usage  *metrics.UsageCollector

	http       *http.Server
	httpLn     net.Listener
	metricsSrv *http.Server
	metricsLn  net.Listener
}

type daemonOptions struct {
	log       *slog.Logger
	registry  *prometheus.Registry
	observers []registry.Observer
}

type DaemonOption func(*daemonOptions)

// WithLogger replaces the logger built from cfg.Log.
func WithLogger(l *slog.Logger) DaemonOption {
	return func(o *daemonOptions) { o.log = l }
}

// WithMetricsRegistry registers and serves metrics from r instead of the
// prometheus default registry.
func WithMetricsRegistry(r *prometheus.Registry) DaemonOption {
	return func(o *daemonOptions) { o.registry = r }
}

// WithObserver adds a lifecycle observer. It runs under the registry lock
// and must not block.
func WithObserver(ob func(registry.Event)) DaemonOption {
	return func(o *daemonOptions) { o.observers = append(o.observers, ob) }
}

// NewDaemon builds every component and binds all listeners; a bind
// failure is returned here. Nothing runs until Run.
func NewDaemon(cfg *Config, opts ...DaemonOption) (_ *Daemon, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o daemonOptions
	for _, fn := range opts {
		fn(&o)
	}

	d := &Daemon{cfg: cfg, log: o.log}
	defer func() {
		if err != nil {
			if d.rec != nil {
				_ = d.rec.Close()
			}
			d.release()
		}
	}()
	if d.log == nil {
		if d.log, d.logCloser, err = logger.New(cfg.Log); err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
	}

	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if o.registry != nil {
		registerer, gatherer = o.registry, o.registry
	}
	observers := o.observers
	if cfg.Metrics.Enabled {
		if err = metrics.Register(registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		observers = append(observers, metrics.Observe)
	}

	if cfg.History.Enabled {
		sinks, serr := factory.NewSinks(cfg.History.DSNs)
		if serr != nil {
			return nil, fmt.Errorf("history: %w", serr)
		}
		d.rec = history.NewRecorder(sinks,
			history.WithLogger(d.log.With("component", "history")),
			history.WithBuffer(cfg.History.Buffer))
		observers = append(observers, d.rec.Observe)
	}

	nodeEnv, err := cfg.NodeEnv()
	if err != nil {
		return nil, err
	}
	topts := []teller.Option{
		teller.WithLogger(d.log),
		teller.WithHeartbeatOptions(heartbeat.WithHooks(
			func(_ string, known bool) { metrics.IncHeartbeat(known) },
			func(name string, _ time.Duration) { metrics.IncStale(name) },
		)),
	}
	for _, ob := range observers {
		topts = append(topts, teller.WithObserver(ob))
	}
	d.teller = teller.New(teller.Config{
		Heartbeat: cfg.Heartbeat,
		Supervisor: supervisor.Config{
			SocketPath: cfg.Server.SocketPath,
			Output:     cfg.Nodes.Output,
			Env:        nodeEnv,
			WaitDelay:  cfg.Nodes.StopGrace / 10,
		},
		StopGrace: cfg.Nodes.StopGrace,
	}, topts...)

	d.rpc, err = rpc.Listen(cfg.Server, d.teller,
		rpc.WithLogger(d.log.With("component", "rpc")),
		rpc.WithRequestHook(func(op wire.Op, err error) { metrics.IncRequest(string(op), err) }))
	if err != nil {
		return nil, err
	}

	var usage server.UsageSource
	if cfg.Metrics.Usage.Enabled {
		d.usage = metrics.NewUsageCollector(cfg.Metrics.Usage, d.log.With("component", "usage"))
		if err = d.usage.Register(registerer); err != nil {
			return nil, fmt.Errorf("register usage metrics: %w", err)
		}
		usage = d.usage
	}

	if cfg.HTTP.Enabled {
		tlsConf, terr := tlsx.Setup(cfg.HTTP.TLS)
		if terr != nil {
			return nil, fmt.Errorf("admin tls: %w", terr)
		}
		router := server.NewRouter(d.teller, cfg.HTTP.BasePath, usage)
		d.http = server.NewServer(cfg.HTTP.Listen, router.Handler())
		if d.httpLn, err = net.Listen("tcp", cfg.HTTP.Listen); err != nil {
			return nil, fmt.Errorf("admin listen: %w", err)
		}
		if tlsConf != nil {
			d.httpLn = tls.NewListener(d.httpLn, tlsConf)
		}
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.HandlerFor(gatherer))
		d.metricsSrv = server.NewServer(cfg.Metrics.Listen, mux)
		if d.metricsLn, err = net.Listen("tcp", cfg.Metrics.Listen); err != nil {
			return nil, fmt.Errorf("metrics listen: %w", err)
		}
	}
	return d, nil
}

// Teller exposes the control service for embedding.
func (d *Daemon) Teller() *teller.Teller { return d.teller }

func (d *Daemon) SocketPath() string { return d.rpc.Addr() }

// HTTPAddr is the bound admin address, or "" when disabled.
func (d *Daemon) HTTPAddr() string { return lnAddr(d.httpLn) }

// MetricsAddr is the bound metrics address, or "" when disabled.
func (d *Daemon) MetricsAddr() string { return lnAddr(d.metricsLn) }

func lnAddr(ln net.Listener) string {
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

// Run starts the boot nodes and serves until ctx is canceled or a
// component fails. Every live node is terminated before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.release()

	// The recorder outlives the errgroup so stop events produced by the
	// shutdown still reach the sinks.
	recCtx, recCancel := context.WithCancel(context.Background())
	var recWG sync.WaitGroup
	if d.rec != nil {
		recWG.Add(1)
		go func() {
			defer recWG.Done()
			_ = d.rec.Run(recCtx)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.teller.Run(gctx) })
	g.Go(func() error { return d.rpc.Serve(gctx) })
	if d.usage != nil {
		g.Go(func() error { return d.usage.Run(gctx, d.teller.Processes) })
	}
	if d.http != nil {
		serveHTTP(gctx, g, d.http, d.httpLn)
	}
	if d.metricsSrv != nil {
		serveHTTP(gctx, g, d.metricsSrv, d.metricsLn)
	}

	d.log.Info("teller serving", "socket", d.rpc.Addr(), "http", d.HTTPAddr(), "metrics", d.MetricsAddr())
	if boot := d.cfg.BootNodes(); len(boot) > 0 {
		if err := d.teller.StartAll(gctx, boot); err != nil {
			d.log.Warn("some boot nodes failed to start", "err", err)
		}
	}

	runErr := g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), d.cfg.Nodes.StopGrace+shutdownSlack)
	defer cancel()
	shutErr := d.teller.Shutdown(sctx)

	recCancel()
	recWG.Wait()
	if d.rec != nil {
		if err := d.rec.Close(); err != nil {
			d.log.Warn("closing history sinks", "err", err)
		}
		if n := d.rec.Dropped(); n > 0 {
			d.log.Warn("history events dropped", "count", n)
		}
	}
	d.log.Info("teller stopped")
	return errors.Join(runErr, shutErr)
}

func serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server, ln net.Listener) {
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http %s: %w", ln.Addr(), err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownSlack)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

// release closes what NewDaemon opened. Safe to call more than once.
func (d *Daemon) release() {
	if d.rpc != nil {
		_ = d.rpc.Close()
	}
	if d.httpLn != nil {
		_ = d.httpLn.Close()
	}
	if d.metricsLn != nil {
		_ = d.metricsLn.Close()
	}
	if d.logCloser != nil {
		_ = d.logCloser.Close()
		d.logCloser = nil
	}
}
