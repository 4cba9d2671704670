package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	alertapp "bandix-monitor/internal/alerts/application"
	alerts "bandix-monitor/internal/alerts/domain"
	alertmemory "bandix-monitor/internal/alerts/infrastructure/memory"
	alertrepo "bandix-monitor/internal/alerts/infrastructure/postgres"
	alerthttp "bandix-monitor/internal/alerts/interfaces/http"
	alertnotify "bandix-monitor/internal/alerts/notify"
	"bandix-monitor/internal/observability/metrics"
	"bandix-monitor/internal/settings"
	"bandix-monitor/internal/telemetry/adapters/alerting"
	"bandix-monitor/internal/telemetry/adapters/bandix"
	telemetryapp "bandix-monitor/internal/telemetry/application"
	telemetry "bandix-monitor/internal/telemetry/domain"
	telemetrymemory "bandix-monitor/internal/telemetry/infrastructure/memory"
	telemetryrepo "bandix-monitor/internal/telemetry/infrastructure/postgres"
	telemetryhttp "bandix-monitor/internal/telemetry/interfaces/http"
	"bandix-monitor/internal/ubus"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const shutdownTimeout = 10 * time.Second

type stores struct {
	samples telemetry.SampleRepository
	devices telemetry.DeviceRepository
	rules   alerts.RuleRepository
	events  alerts.EventRepository
	db      *sql.DB
}

func main() {
	configPath := os.Getenv("BANDIX_CONFIG")
	cfg, err := settings.Load(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("settings load error")
	}
	logger := newLogger(cfg.Log)

	st, err := openStores(cfg.Store, logger)
	if err != nil {
		logger.WithError(err).Fatal("store open error")
	}
	if st.db != nil {
		defer st.db.Close()
	}
	metrics.Init(st.db, logger)

	watcher, err := settings.NewWatcher(configPath, cfg, settings.WithWatcherLogger(logger))
	if err != nil {
		logger.WithError(err).Fatal("settings watcher error")
	}
	watcher.OnChange(func(next settings.Config) {
		applyLogConfig(logger, next.Log)
	})

	transport, err := ubus.NewTransport(cfg.Remote.URL, cfg.Remote.Timeout)
	if err != nil {
		logger.WithError(err).Fatal("ubus transport error")
	}
	session, err := ubus.NewRemoteSession(transport, watcher,
		ubus.WithLogger(logger),
		ubus.WithLoginTimeout(cfg.Remote.Timeout),
	)
	if err != nil {
		logger.WithError(err).Fatal("ubus session error")
	}
	defer session.Close()

	client, err := bandix.NewClient(session, bandix.WithCallTimeout(cfg.Remote.Timeout))
	if err != nil {
		logger.WithError(err).Fatal("bandix client error")
	}

	broker := alerthttp.NewSSEBroker()
	notifier, queues, err := buildNotifier(cfg.Alerts, broker, logger)
	if err != nil {
		logger.WithError(err).Fatal("alert notifier error")
	}
	engine, err := alertapp.NewEngine(st.rules, st.events, st.devices,
		alertapp.WithNotifier(notifier),
		alertapp.WithRateReader(st.samples),
		alertapp.WithWindowSource(watcher),
		alertapp.WithLogger(logger),
	)
	if err != nil {
		logger.WithError(err).Fatal("alert engine error")
	}
	evaluator, err := alerting.NewEvaluator(engine)
	if err != nil {
		logger.WithError(err).Fatal("alert evaluator error")
	}

	scheduler, err := telemetryapp.NewScheduler(client, st.samples, st.devices, watcher,
		telemetryapp.WithEvaluator(evaluator),
		telemetryapp.WithLogger(logger),
	)
	if err != nil {
		logger.WithError(err).Fatal("scheduler error")
	}

	alertService, err := alertapp.NewService(st.rules, st.events, alertapp.WithDeviceCheck(st.devices))
	if err != nil {
		logger.WithError(err).Fatal("alert service error")
	}
	alertHandler, err := alerthttp.NewHandler(alertService)
	if err != nil {
		logger.WithError(err).Fatal("alert handler error")
	}
	monitorHandler, err := telemetryhttp.NewHandler(scheduler, st.devices, st.samples)
	if err != nil {
		logger.WithError(err).Fatal("monitor handler error")
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/monitor", monitorHandler)
	mux.Handle("/api/v1/monitor/", monitorHandler)
	mux.Handle("/api/v1/devices", monitorHandler)
	mux.Handle("/api/v1/history", monitorHandler)
	mux.Handle("/api/v1/alerts/stream", alerthttp.NewStreamHandler(broker))
	mux.Handle("/api/v1/alerts/", alertHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)

	// Request contexts derive from ctx so open SSE streams end on shutdown.
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           loggingMiddleware(mux, logger),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	group.Go(func() error {
		return scheduler.Run(ctx)
	})
	group.Go(func() error {
		return watcher.Run(ctx)
	})
	for _, queue := range queues {
		queue := queue
		group.Go(func() error {
			return queue.Run(ctx)
		})
	}
	group.Go(func() error {
		logger.WithField("addr", cfg.HTTP.Addr).Info("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.WithError(err).Error("stopped with error")
		return
	}
	logger.Info("stopped")
}

func openStores(cfg settings.StoreConfig, logger logrus.FieldLogger) (stores, error) {
	switch cfg.Driver {
	case settings.DriverMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		telemetryStore := telemetrymemory.NewStore()
		alertStore := alertmemory.NewStore()
		return stores{
			samples: telemetryStore,
			devices: telemetryStore,
			rules:   alertStore,
			events:  alertStore,
		}, nil
	case settings.DriverPostgres:
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return stores{}, err
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return stores{}, fmt.Errorf("db ping: %w", err)
		}
		return stores{
			samples: telemetryrepo.NewSampleRepository(db),
			devices: telemetryrepo.NewDeviceRepository(db),
			rules:   alertrepo.NewRuleRepository(db),
			events:  alertrepo.NewEventRepository(db),
			db:      db,
		}, nil
	default:
		return stores{}, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// buildNotifier always publishes to the SSE broker. Each configured push
// channel gets its own queue so a slow endpoint never holds up collection.
func buildNotifier(cfg settings.AlertsConfig, broker *alerthttp.SSEBroker, logger logrus.FieldLogger) (alertapp.Notifier, []*alertnotify.Queue, error) {
	channels := map[string]alertnotify.Channel{}
	if cfg.WebhookURL != "" {
		webhook, err := alertnotify.NewWebhookChannel(cfg.WebhookURL)
		if err != nil {
			return nil, nil, err
		}
		channels["webhook"] = webhook
	}
	if cfg.TelegramBotToken != "" {
		telegram, err := alertnotify.NewTelegramChannel(cfg.TelegramBotToken, cfg.TelegramChatIDs)
		if err != nil {
			return nil, nil, err
		}
		channels["telegram"] = telegram
	}
	if len(channels) == 0 {
		return broker, nil, nil
	}

	template, err := alertnotify.NewTemplate(cfg.NotifyTemplate)
	if err != nil {
		return nil, nil, err
	}
	notifiers := []alertapp.Notifier{broker}
	var queues []*alertnotify.Queue
	for _, name := range []string{"webhook", "telegram"} {
		channel, ok := channels[name]
		if !ok {
			continue
		}
		notifier, err := alertnotify.NewNotifier(channel, template,
			alertnotify.WithChannelName(name),
			alertnotify.WithCooldown(cfg.NotifyCooldown),
			alertnotify.WithDedupeWindow(cfg.NotifyDedupeWindow),
			alertnotify.WithRequestTimeout(cfg.NotifyTimeout),
			alertnotify.WithLinkResolver(buildEventLinkResolver(cfg.PublicBaseURL)),
			alertnotify.WithLogger(logger),
		)
		if err != nil {
			return nil, nil, err
		}
		queue, err := alertnotify.NewQueue(notifier,
			alertnotify.WithQueueName(name),
			alertnotify.WithQueueSize(cfg.NotifyQueueSize),
			alertnotify.WithQueueLogger(logger.WithField("channel", name)),
		)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, queue)
		queues = append(queues, queue)
	}
	return alertnotify.NewMultiNotifier(notifiers...), queues, nil
}

func buildEventLinkResolver(baseURL string) alertnotify.LinkResolver {
	if baseURL == "" {
		return nil
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return func(_ context.Context, event alerts.Event) string {
		return fmt.Sprintf("%s/api/v1/alerts/events?rule_id=%d&subject=%s", baseURL, event.RuleID, url.QueryEscape(event.Subject))
	}
}

func newLogger(cfg settings.LogConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	applyLogConfig(logger, cfg)
	return logger
}

func applyLogConfig(logger *logrus.Logger, cfg settings.LogConfig) {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return
	}
	logger.SetFormatter(&logrus.JSONFormatter{})
}

func loggingMiddleware(next http.Handler, logger logrus.FieldLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   resp.status,
			"duration": time.Since(start).String(),
		}).Debug("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps the SSE stream working through the middleware.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
