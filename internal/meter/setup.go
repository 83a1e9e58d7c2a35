package meter

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/compresr/llm-meter/internal/config"
	"github.com/compresr/llm-meter/internal/control"
	"github.com/compresr/llm-meter/internal/control/store"
	"github.com/compresr/llm-meter/internal/costcontrol"
	"github.com/compresr/llm-meter/internal/monitoring"
)

// Runtime is everything Setup assembles from a Config. Optional parts are
// nil when their config section is off.
type Runtime struct {
	Meter     *Meter
	Gateway   *monitoring.Gateway
	Client    *control.Client
	Evaluator *control.LocalEvaluator // control.mode local only
	Tracker   *costcontrol.Tracker
	Collector *monitoring.Collector
	Registry  *prometheus.Registry // sinks.prometheus only
	Pricing   *costcontrol.Pricing
	SQLite    *monitoring.SQLiteEmitter

	closers []func(context.Context) error
}

// Setup builds the sinks, stores, control client and Meter described by
// cfg. On error everything opened so far is closed.
func Setup(ctx context.Context, cfg *config.Config) (_ *Runtime, err error) {
	rt := &Runtime{
		Gateway:   monitoring.NewGateway(),
		Collector: monitoring.NewCollector(),
		Pricing:   costcontrol.NewPricing(cfg.Pricing),
	}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
		}
	}()

	rt.Gateway.AddNamed("collector", rt.Collector)
	if err := rt.setupSinks(ctx, cfg); err != nil {
		return nil, err
	}

	rt.Tracker = costcontrol.NewTracker(cfg.CostControl)
	rt.closeWith(func(context.Context) error { return rt.Tracker.Close() })
	rt.Gateway.AddNamed("cost_tracker", rt.Tracker)

	if err := rt.setupControl(ctx, cfg); err != nil {
		return nil, err
	}

	opts := []Option{
		WithGateway(rt.Gateway),
		WithControl(rt.Client),
		WithPricing(rt.Pricing),
		WithEstimator(costcontrol.NewEstimator(rt.Pricing)),
	}
	if cfg.CostControl.Enabled {
		opts = append(opts, WithPreflightHook(CapHook(rt.Tracker)))
	}
	rt.Meter = New(opts...)

	log.Info().
		Int("sinks", rt.Gateway.Len()).
		Str("control", cfg.Control.Mode).
		Str("store", cfg.Store.Backend).
		Bool("cost_caps", cfg.CostControl.Enabled).
		Msg("meter: runtime ready")
	return rt, nil
}

func (rt *Runtime) setupSinks(ctx context.Context, cfg *config.Config) error {
	if cfg.Telemetry.Enabled {
		jsonl, err := monitoring.NewJSONLEmitter(cfg.Telemetry)
		if err != nil {
			return err
		}
		rt.closeWith(func(context.Context) error { return jsonl.Close() })
		rt.Gateway.AddNamed("jsonl", jsonl)
	}

	s := cfg.Sinks
	if s.Console {
		rt.Gateway.AddNamed("console", monitoring.NewConsoleEmitter(nil))
	}
	if s.Prometheus {
		rt.Registry = prometheus.NewRegistry()
		rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rt.Gateway.AddNamed("prometheus", monitoring.NewPrometheusEmitter(config.DefaultMetricsNamespace, rt.Registry))
	}
	if s.SQLitePath != "" {
		db, err := monitoring.NewSQLiteEmitter(s.SQLitePath)
		if err != nil {
			return err
		}
		rt.SQLite = db
		rt.closeWith(func(context.Context) error { return db.Close() })
		rt.Gateway.AddNamed("sqlite", db)
	}
	if s.WebSocketURL != "" {
		ws := monitoring.NewWebSocketEmitter(s.WebSocketURL, config.DefaultWebSocketWriteTimeout)
		rt.closeWith(func(context.Context) error { return ws.Close() })
		rt.Gateway.AddNamed("websocket", ws)
	}
	if s.OTel {
		tracer, shutdown, err := monitoring.NewTracer(ctx, config.DefaultTracerName, s.OTLPEndpoint, s.OTLPInsecure)
		if err != nil {
			return err
		}
		rt.closeWith(shutdown)
		rt.Gateway.AddNamed("otel", monitoring.NewOTelEmitter(tracer))
	}
	return nil
}

func (rt *Runtime) setupControl(ctx context.Context, cfg *config.Config) error {
	clientOpts := []control.ClientOption{control.WithClientConfig(cfg.Control.Client)}

	switch cfg.Control.Mode {
	case config.ControlOff:
		return nil

	case config.ControlRemote:
		var opts []control.RemoteOption
		if cfg.Control.APIKey != "" {
			opts = append(opts, control.WithAPIKey(cfg.Control.APIKey))
		}
		rt.Client = control.NewClient(control.NewRemoteOracle(cfg.Control.URL, opts...), clientOpts...)
		// The server reconciles budgets from final records. Rejected calls
		// are reported when they are rejected.
		rt.Gateway.AddNamed("control_report", monitoring.EmitterFunc(func(ctx context.Context, r *monitoring.MetricRecord) error {
			if r.Outcome != monitoring.OutcomeBlocked && r.Outcome != monitoring.OutcomeCancelled {
				rt.Client.ReportMetric(ctx, r)
			}
			return nil
		}))

	default:
		ev, err := rt.NewEvaluator(ctx, cfg)
		if err != nil {
			return err
		}
		rt.Evaluator = ev
		rt.Client = control.NewClient(ev, clientOpts...)
		rt.Gateway.AddNamed("budgets", ev)
	}

	rt.closeWith(rt.Client.Wait)
	return nil
}

// NewEvaluator loads the configured policy and opens its stores. extra is
// applied last and may replace either store.
func (rt *Runtime) NewEvaluator(ctx context.Context, cfg *config.Config, extra ...control.EvaluatorOption) (*control.LocalEvaluator, error) {
	policy, err := cfg.LoadPolicy()
	if err != nil {
		return nil, err
	}

	var opts []control.EvaluatorOption
	if cfg.Store.Backend == config.StoreRedis {
		rdb, err := store.Connect(ctx, cfg.Store.Redis)
		if err != nil {
			return nil, err
		}
		rt.closeWith(func(context.Context) error { return rdb.Close() })
		opts = append(opts,
			control.WithSpendStore(store.NewRedisSpendStore(rdb, cfg.Store.Redis)),
			control.WithWindowStore(store.NewRedisWindowStore(rdb, cfg.Store.Redis)),
		)
	}
	return control.NewLocalEvaluator(policy, append(opts, extra...)...), nil
}

func (rt *Runtime) closeWith(fn func(context.Context) error) {
	rt.closers = append(rt.closers, fn)
}

// Close waits for in-flight control reports, then closes sinks and stores
// in reverse order of creation.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("closing runtime: %w", errors.Join(errs...))
	}
	return nil
}
