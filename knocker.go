package knocker

import (
	"context"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zalando/knocker/config"
	"github.com/zalando/knocker/metrics"
	"github.com/zalando/knocker/reporter"
	"github.com/zalando/knocker/server"
	"github.com/zalando/knocker/task"
)

// drainTimeout bounds how long Run waits for in-flight relays to reach a
// terminal state after a shutdown signal before force-cancelling them.
const drainTimeout = 30 * time.Second

// Run wires the shared HTTP client, task supervisor, error reporter,
// metrics registry, and ingress/metrics listeners described by cfg, then
// serves until ctx is canceled, draining in-flight relays before
// returning. Run installs no signal handler of its own; cmd/knocker
// cancels ctx on SIGINT/SIGTERM.
func Run(ctx context.Context, cfg *config.Config) error {
	log.SetLevel(cfg.ApplicationLogLevel)

	rep, err := newReporter(cfg)
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.EnablePrometheusMetrics {
		m = metrics.New()
	}

	client := &http.Client{
		Timeout: time.Duration(cfg.TimeoutMax * float64(time.Second)),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	supervisor := task.NewSupervisor()
	srv := server.New(cfg, client, supervisor, rep, m)

	handler := http.Handler(srv)
	if m != nil && cfg.MetricsListener == "" {
		metricsHandler := m.Handler()
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
				metricsHandler.ServeHTTP(w, r)
				return
			}
			srv.ServeHTTP(w, r)
		})
	}

	ingress := &http.Server{Addr: cfg.Address, Handler: handler}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.WithField("address", cfg.Address).Info("knocker: listening")
		if err := ingress.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	defer client.CloseIdleConnections()

	var metricsSrv *http.Server
	if m != nil && cfg.MetricsListener != "" {
		metricsSrv = &http.Server{Addr: cfg.MetricsListener, Handler: m.Handler()}
		group.Go(func() error {
			log.WithField("address", cfg.MetricsListener).Info("knocker: serving metrics")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		<-gctx.Done()
		return shutdown(srv, supervisor, ingress, metricsSrv)
	})

	return group.Wait()
}

// shutdown stops accepting new relays, closes the listeners, and waits
// for already-admitted relays to finish (or be force-canceled past
// drainTimeout).
func shutdown(srv *server.Server, supervisor *task.Supervisor, ingress, metricsSrv *http.Server) error {
	srv.Shutdown()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ingress.Shutdown(closeCtx); err != nil {
		log.Warnf("knocker: ingress shutdown: %v", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(closeCtx); err != nil {
			log.Warnf("knocker: metrics shutdown: %v", err)
		}
	}

	log.Info("knocker: draining in-flight relays")
	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	supervisor.Drain(drainCtx)

	return nil
}

func newReporter(cfg *config.Config) (reporter.Reporter, error) {
	if cfg.SentryDSN == "" {
		return reporter.Noop{}, nil
	}
	return reporter.NewSentry(cfg.SentryDSN, Version)
}
