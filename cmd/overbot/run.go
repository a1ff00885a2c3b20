package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/overbot/bus"
	"github.com/vinayprograms/overbot/cache"
	"github.com/vinayprograms/overbot/config"
	"github.com/vinayprograms/overbot/credentials"
	"github.com/vinayprograms/overbot/dispatch"
	"github.com/vinayprograms/overbot/gateway"
	"github.com/vinayprograms/overbot/heartbeat"
	"github.com/vinayprograms/overbot/logging"
	"github.com/vinayprograms/overbot/ratelimit"
	"github.com/vinayprograms/overbot/shards"
	"github.com/vinayprograms/overbot/shutdown"
	"github.com/vinayprograms/overbot/supervisor"
	"github.com/vinayprograms/overbot/telemetry"
	"github.com/vinayprograms/overbot/web"
)

// run wires every subsystem and blocks until the supervisor returns. The
// returned code is the process exit status.
func run(cmd *cobra.Command) (int, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return 1, err
	}

	runID := uuid.NewString()
	logger, err := newLogger(cfg.Log, runID)
	if err != nil {
		return 1, err
	}

	token, err := credentials.Resolver{Flag: discordToken}.Resolve()
	if err != nil {
		return 1, err
	}
	logger.Info("token_resolved", map[string]interface{}{
		"source": string(token.Source),
		"token":  token.Redacted(),
	})

	ctx := context.Background()
	hooks := shutdown.NewHooks(shutdown.Config{
		Timeout:         cfg.Shutdown.HookTimeout.Duration,
		ContinueOnError: true,
		OnProgress: func(r shutdown.HookResult) {
			fields := map[string]interface{}{"hook": r.Name, "duration": r.Duration.String()}
			if r.Err != nil {
				fields["error"] = r.Err.Error()
			}
			logger.Info("cleanup_hook", fields)
		},
	})

	tracer := telemetry.NoopTracer()
	if cfg.Telemetry.Endpoint != "" {
		provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			RunID:          runID,
			SampleRatio:    cfg.Telemetry.SampleRatio,
			Endpoint:       cfg.Telemetry.Endpoint,
			Protocol:       cfg.Telemetry.Protocol,
			Insecure:       cfg.Telemetry.Insecure,
			Debug:          cfg.Telemetry.Debug,
			FleetShards:    cfg.Gateway.TotalShards,
			Intents:        cfg.Gateway.Intents,
			Headless:       cfg.Shutdown.Headless,
		})
		if err != nil {
			return 1, err
		}
		tracer = provider.Tracer()
		hooks.RegisterFuncWithPhase("tracing", provider.OnShutdown, shutdown.PhaseTelemetry)
	}

	journalExp, err := telemetry.NewExporter(cfg.Telemetry.Journal, cfg.Telemetry.JournalEndpoint)
	if err != nil {
		return 1, err
	}
	journal := telemetry.WithRunID(journalExp, runID)
	hooks.RegisterFuncWithPhase("journal", telemetry.OnShutdown(journal), shutdown.PhaseTelemetry)

	var index *cache.Index
	if cfg.Cache.Search {
		if index, err = cache.NewIndex(); err != nil {
			return 1, err
		}
		hooks.RegisterFuncWithPhase("search_index", func(context.Context) error { return index.Close() }, shutdown.PhaseStorage)
	}
	entities := cache.New(cache.Config{
		MessageCacheSize: cfg.Cache.MessageCacheSize,
		ResourceTypes:    cache.ResourceMessage | cache.ResourceChannel,
		Index:            index,
	})

	mux := dispatch.NewMux()
	mux.Register(dispatch.AnyEvent, dispatch.LogHandler(logger.WithComponent("events")))
	var eventBus bus.MessageBus
	if cfg.Bus.NATSURL != "" {
		natsCfg := bus.DefaultNATSConfig()
		natsCfg.URL = cfg.Bus.NATSURL
		natsCfg.Name = "overbot-" + runID
		natsBus, err := bus.NewNATSBus(natsCfg)
		if err != nil {
			return 1, err
		}
		eventBus = natsBus
		mux.Register(dispatch.AnyEvent, dispatch.NewPublisher(natsBus, cfg.Bus.SubjectPrefix))
		hooks.RegisterFuncWithPhase("bus", natsBus.OnShutdown, shutdown.PhaseTransport)
	}

	dispatcher := dispatch.New(mux, dispatch.Config{
		MaxInFlight:    cfg.Dispatch.MaxInFlight,
		HandlerTimeout: cfg.Dispatch.HandlerTimeout.Duration,
		Logger:         logger,
		Tracer:         tracer,
	})
	hooks.RegisterFuncWithPhase("handlers", dispatcher.OnShutdown, shutdown.PhaseHandlers)

	client := gateway.NewClient(gateway.ClientConfig{
		APIURL:    cfg.Gateway.APIURL,
		Token:     token.Value(),
		UserAgent: fmt.Sprintf("DiscordBot (https://github.com/vinayprograms/overbot, %s)", version),
	})
	limiter := &identifyLimiter{client: client, maxConcurrency: cfg.Gateway.MaxConcurrency}
	hooks.RegisterFuncWithPhase("identify_limiter", func(context.Context) error { return limiter.Close() }, shutdown.PhaseTransport)

	dialerCfg := gateway.DefaultDialerConfig()
	dialerCfg.URL = cfg.Gateway.URL
	dialerCfg.Resolver = client
	dialerCfg.Token = token.Value()
	dialerCfg.Intents = cfg.Gateway.Intents
	dialerCfg.Compress = cfg.Gateway.Compress
	dialerCfg.LargeThreshold = cfg.Gateway.LargeThreshold
	dialerCfg.HandshakeTimeout = cfg.Gateway.HandshakeTimeout.Duration
	dialerCfg.Limiter = limiter
	dialerCfg.Logger = logger.WithComponent("gateway")
	if !cfg.Gateway.HeartbeatJitter {
		dialerCfg.Jitter = func() float64 { return 1 }
	}
	dialer, err := gateway.NewDialer(dialerCfg)
	if err != nil {
		return 1, err
	}

	trigger := shutdown.NewTrigger()
	fleetSup, err := shards.NewSupervisor(shards.Config{
		Query:         client,
		TotalOverride: cfg.Gateway.TotalShards,
		Connector:     dialer,
		Cache:         entities,
		Dispatcher:    dispatcher,
		Trigger:       trigger,
		CloseTimeout:  cfg.Gateway.CloseTimeout.Duration,
		Logger:        logger,
		Tracer:        tracer,
		Journal:       journal,
	})
	if err != nil {
		return 1, err
	}

	sup := supervisor.New(trigger, logger)
	sup.SetHooks(hooks)
	sup.SetTracer(tracer)
	sup.SetJournal(journal)

	if err := sup.Add("shards", supervisor.ShardFleet(fleetSup)); err != nil {
		return 1, err
	}
	if err := sup.Add("signals", supervisor.Signals(shutdown.SignalConfig{
		Headless: cfg.Shutdown.Headless,
		Logger:   logger.WithComponent("signals"),
	})); err != nil {
		return 1, err
	}
	if cfg.Web.Enabled {
		webCfg := web.Config{
			Listen:   cfg.Web.Listen,
			Messages: entities,
			Shards:   fleetSup,
			Logger:   logger,
		}
		if index != nil {
			webCfg.Search = index
		}
		if err := sup.Add("web", web.New(webCfg)); err != nil {
			return 1, err
		}
	}

	if eventBus != nil && cfg.Bus.HeartbeatInterval.Duration > 0 {
		sender, err := heartbeat.NewSender(heartbeat.SenderConfig{
			Bus:      eventBus,
			Instance: runID,
			Prefix:   cfg.Bus.SubjectPrefix,
			Interval: cfg.Bus.HeartbeatInterval.Duration,
			Metadata: map[string]string{"version": version},
			Fill: func(hb *heartbeat.Heartbeat) {
				hb.Shards = make(map[string]int)
				for _, st := range fleetSup.Status() {
					hb.Shards[st.State.String()]++
				}
				hb.InFlight = dispatcher.Stats().InFlight
			},
		})
		if err != nil {
			return 1, err
		}
		if err := sup.Add("heartbeat", sender); err != nil {
			return 1, err
		}
	}

	logger.Info("starting", map[string]interface{}{
		"version":  version,
		"run_id":   runID,
		"web":      cfg.Web.Enabled,
		"search":   cfg.Cache.Search,
		"bus":      cfg.Bus.NATSURL != "",
		"override": cfg.Gateway.TotalShards,
	})

	result := sup.Run(ctx)

	fields := map[string]interface{}{
		"cause":     result.Cause,
		"duration":  result.Duration.String(),
		"exit_code": result.ExitCode(),
	}
	if err := result.Err(); err != nil {
		fields["error"] = err.Error()
		logger.Error("stopped", fields)
	} else {
		logger.Info("stopped", fields)
	}
	return result.ExitCode(), nil
}

func newLogger(cfg config.LogConfig, runID string) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	logger := logging.New().WithTraceID(runID)
	logger.SetLevel(level)
	logger.SetFormat(format)
	return logger, nil
}

// identifyLimiter builds the identify buckets on first use. The shard
// query always precedes the first identify, so by then the gateway's
// max_concurrency is known.
type identifyLimiter struct {
	client         *gateway.Client
	maxConcurrency int

	once    sync.Once
	limiter *ratelimit.IdentifyLimiter
	err     error
}

func (l *identifyLimiter) Wait(ctx context.Context, shard int) error {
	l.once.Do(func() {
		n := l.maxConcurrency
		if n <= 0 {
			n = 1
			if gw := l.client.Last(); gw != nil && gw.SessionStartLimit.MaxConcurrency > 0 {
				n = gw.SessionStartLimit.MaxConcurrency
			}
		}
		l.limiter, l.err = ratelimit.NewIdentifyLimiter(n, ratelimit.IdentifyInterval)
	})
	if l.err != nil {
		return l.err
	}
	if l.limiter == nil {
		return ratelimit.ErrClosed
	}
	return l.limiter.Wait(ctx, shard)
}

func (l *identifyLimiter) Close() error {
	var err error
	l.once.Do(func() {})
	if l.limiter != nil {
		err = l.limiter.Close()
	}
	return err
}
