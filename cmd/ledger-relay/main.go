package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/masa-finance/ledger-relay/internal/accounting"
	"github.com/masa-finance/ledger-relay/internal/api"
	"github.com/masa-finance/ledger-relay/internal/config"
	"github.com/masa-finance/ledger-relay/internal/delivery"
	"github.com/masa-finance/ledger-relay/internal/lifecycle"
	"github.com/masa-finance/ledger-relay/internal/runner"
	"github.com/masa-finance/ledger-relay/internal/supervisor"
	"github.com/masa-finance/ledger-relay/internal/transport"
)

// chatTransport is what both transports offer.
type chatTransport interface {
	delivery.ChatTransport
	supervisor.HealthChecker
}

func main() {
	cfg := config.ReadConfig()
	bus := lifecycle.NewBus()

	books := accounting.New(cfg.AccountingConfig())

	var chat chatTransport
	if tc := cfg.TransportConfig(); tc.WebhookURL != "" {
		chat = transport.NewWebhook(tc)
	} else {
		chat = transport.NewLog(nil)
	}

	pc := cfg.PipelineConfig()
	pipeline := delivery.New(books, chat, bus,
		delivery.WithWorkers(pc.Workers),
		delivery.WithQueueCapacity(pc.QueueCapacity),
		delivery.WithAutoReply(pc.AutoReply),
		delivery.WithReplyTemplate(pc.ReplyTemplate),
		delivery.WithTaskTimeout(pc.TaskTimeout),
		delivery.WithResultCache(pc.ResultCacheMaxSize, pc.ResultCacheMaxAge),
	)

	sc := cfg.SupervisorConfig()
	sup := supervisor.New(bus,
		supervisor.WithGlobalInterval(sc.MonitorInterval),
		supervisor.WithMaxConcurrentRecoveries(sc.MaxConcurrentRecoveries),
	)
	serviceOpts := []supervisor.ServiceOption{
		supervisor.CheckInterval(sc.CheckInterval),
		supervisor.MaxFailures(sc.MaxFailures),
		supervisor.RecoveryCooldown(sc.RecoveryCooldown),
		supervisor.CheckTimeout(sc.CheckTimeout),
	}
	registrations := []struct {
		name      string
		checker   supervisor.HealthChecker
		recoverer supervisor.Recoverer
	}{
		{delivery.Name, pipeline, supervisor.RestartRecoverer(pipeline)},
		{accounting.Name, books, books},
		{transport.Name, chat, nil},
		{supervisor.Name, sup, supervisor.RestartRecoverer(sup)},
	}
	for _, r := range registrations {
		if err := sup.Register(r.name, r.checker, r.recoverer, serviceOpts...); err != nil {
			logrus.WithError(err).Fatalf("Failed to register %s", r.name)
		}
	}

	tree := runner.NewTree("ledger-relay", runner.DefaultTreeConfig())
	tree.AddCore(runner.NewEventLogger(bus, logrus.StandardLogger()))
	tree.AddCore(runner.NewLifecycleService(pipeline))
	tree.AddCore(runner.NewMonitorService(sup))
	tree.AddAPI(api.NewServer(cfg, pipeline, sup))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logrus.Infof("Starting ledger relay on %s", cfg.ListenAddress())
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Error("Supervision tree stopped")
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logrus.Warnf("Service did not stop in time: %s", svc.Name)
		}
	}
	if err := pipeline.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close delivery pipeline")
	}
	logrus.Info("Ledger relay stopped")
}
