// Skybridge pipeline daemon
// Polls upstream telemetry feeds, fuses them into one track set, and
// publishes tracks to TAK and MQTT alongside a status REST API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mwhitley/skybridge/internal/api"
	"github.com/mwhitley/skybridge/internal/auth"
	"github.com/mwhitley/skybridge/internal/fusion"
	"github.com/mwhitley/skybridge/internal/metrics"
	"github.com/mwhitley/skybridge/pkg/config"
	"github.com/mwhitley/skybridge/pkg/coordinates"
	"github.com/mwhitley/skybridge/pkg/cot"
	"github.com/mwhitley/skybridge/pkg/feed"
	"github.com/mwhitley/skybridge/pkg/mqttpub"
	"github.com/mwhitley/skybridge/pkg/ratelimit"
)

var configPath = flag.String("config", "configs/config.json", "Path to configuration file")

// configObserver adapts the config observer section to the fusion engine.
type configObserver struct {
	cfg config.ObserverConfig
}

func (o configObserver) ObserverPosition() (coordinates.Geographic, bool) {
	if !o.cfg.Enabled {
		return coordinates.Geographic{}, false
	}
	return coordinates.Geographic{
		Latitude:  o.cfg.Latitude,
		Longitude: o.cfg.Longitude,
	}, true
}

func main() {
	flag.Parse()

	log.Println("🚀 Starting Skybridge...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	m := metrics.New()

	engine := fusion.NewEngine(fusion.Config{
		EntityRetention:        time.Duration(cfg.Fusion.EntityRetentionSeconds) * time.Second,
		HistoryRetention:       time.Duration(cfg.Fusion.HistoryRetentionSeconds) * time.Second,
		MaxEntities:            cfg.Fusion.MaxEntities,
		MinPointDistanceMeters: cfg.Fusion.MinPointDistanceMeters,
		Filters: fusion.Filters{
			AltitudeMinFt: cfg.Display.AltitudeMinFt,
			AltitudeMaxFt: cfg.Display.AltitudeMaxFt,
			MaxDistanceKm: cfg.Display.MaxDistanceKm,
			AirborneOnly:  cfg.Display.AirborneOnly,
			DisplayCap:    cfg.Display.DisplayCap,
		},
	}, configObserver{cfg: cfg.Observer})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Publishers
	var takClient *cot.Client
	if cfg.TAK.Enabled {
		transport, err := cot.TransportFromString(cfg.TAK.Transport)
		if err != nil {
			log.Fatalf("Invalid TAK transport: %v", err)
		}
		takCfg := cot.Config{
			Host:               cfg.TAK.Host,
			Port:               cfg.TAK.Port,
			Transport:          transport,
			InsecureSkipVerify: cfg.TAK.InsecureSkipVerify,
			EventType:          cfg.TAK.EventType,
			StaleAfter:         time.Duration(cfg.TAK.StaleSeconds) * time.Second,
			QueueCapacity:      cfg.TAK.QueueCapacity,
		}
		if transport == cot.TransportTLS {
			takCfg.Identity = cot.FileIdentityLoader{
				CertFile: cfg.TAK.CertFile,
				KeyFile:  cfg.TAK.KeyFile,
				CAFile:   cfg.TAK.CAFile,
			}
		}
		takClient, err = cot.NewClient(takCfg)
		if err != nil {
			log.Fatalf("Invalid TAK config: %v", err)
		}
		takClient.Connect(ctx)
		log.Printf("📡 TAK publisher enabled: %s:%d (%s)", cfg.TAK.Host, cfg.TAK.Port, transport)
	}

	var mqttPub *mqttpub.Publisher
	if cfg.MQTT.Enabled {
		mqttPub, err = mqttpub.NewPublisher(mqttpub.Config{
			BrokerURL:        cfg.MQTT.BrokerURL,
			ClientID:         cfg.MQTT.ClientID,
			Username:         cfg.MQTT.Username,
			Password:         cfg.MQTT.Password,
			BaseTopic:        cfg.MQTT.BaseTopic,
			DiscoveryPrefix:  cfg.MQTT.DiscoveryPrefix,
			DisableDiscovery: cfg.MQTT.DisableDiscovery,
			QoS:              byte(cfg.MQTT.QoS),
			QueueCapacity:    cfg.MQTT.QueueCapacity,
		})
		if err != nil {
			log.Fatalf("Invalid MQTT config: %v", err)
		}
		mqttPub.Connect(ctx)
		log.Printf("📬 MQTT publisher enabled: %s", cfg.MQTT.BrokerURL)
	}

	// Each sink gets its own limiter so a slow sink never starves the other.
	limiterCfg := ratelimit.Config{
		PerEntityInterval: time.Duration(cfg.RateLimit.PerEntityIntervalMS) * time.Millisecond,
		MaxPerMinute:      cfg.RateLimit.MaxPerMinute,
		SinkPerSecond:     cfg.RateLimit.SinkPerSecond,
		SinkBurst:         cfg.RateLimit.SinkBurst,
	}
	takLimiter := ratelimit.New(limiterCfg)
	mqttLimiter := ratelimit.New(limiterCfg)

	staleAfter := time.Duration(cfg.TAK.StaleSeconds) * time.Second
	var lastTakQueueDrops, lastMqttQueueDrops uint64
	var lastTakAttempts, lastMqttAttempts uint64

	engine.Subscribe(func(tracks []fusion.Track) {
		now := time.Now()
		for i := range tracks {
			tr := &tracks[i]

			if takClient != nil {
				if takLimiter.AllowEntity(tr.ID, now) && takLimiter.AllowSink() {
					ev, err := cot.FromEntity(&tr.TrackedEntity, cfg.TAK.EventType, staleAfter, now)
					if err == nil && takClient.Send(ev) == nil {
						m.PublishesTotal.WithLabelValues("tak").Inc()
					}
				} else {
					m.PublishDropsTotal.WithLabelValues("tak", metrics.ReasonRate).Inc()
				}
			}

			if mqttPub != nil {
				if mqttLimiter.AllowEntity(tr.ID, now) && mqttLimiter.AllowSink() {
					if mqttPub.PublishEntity(&tr.TrackedEntity) == nil {
						m.PublishesTotal.WithLabelValues("mqtt").Inc()
					}
				} else {
					m.PublishDropsTotal.WithLabelValues("mqtt", metrics.ReasonRate).Inc()
				}
			}
		}

		stats := engine.Stats()
		m.RecordMergeTotal(stats.Merges)
		m.TrackedEntities.Set(float64(stats.Entities))
		m.DisplayedTracks.Set(float64(len(tracks)))

		if takClient != nil {
			if d := takClient.QueueDrops(); d > lastTakQueueDrops {
				m.PublishDropsTotal.WithLabelValues("tak", metrics.ReasonQueue).Add(float64(d - lastTakQueueDrops))
				lastTakQueueDrops = d
			}
			if a := takClient.ConnectAttempts(); a > lastTakAttempts {
				m.ReconnectsTotal.WithLabelValues("tak").Add(float64(a - lastTakAttempts))
				lastTakAttempts = a
			}
		}
		if mqttPub != nil {
			if d := mqttPub.QueueDrops(); d > lastMqttQueueDrops {
				m.PublishDropsTotal.WithLabelValues("mqtt", metrics.ReasonQueue).Add(float64(d - lastMqttQueueDrops))
				lastMqttQueueDrops = d
			}
			if a := mqttPub.ConnectAttempts(); a > lastMqttAttempts {
				m.ReconnectsTotal.WithLabelValues("mqtt").Add(float64(a - lastMqttAttempts))
				lastMqttAttempts = a
			}
		}
	})

	// Feeds
	pollers, err := buildPollers(cfg, engine, m)
	if err != nil {
		log.Fatalf("Failed to configure feeds: %v", err)
	}
	if len(pollers) == 0 {
		log.Fatal("No enabled feeds configured")
	}

	// Forget rate-limit bookkeeping for entities older than the store keeps.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-time.Duration(cfg.Fusion.EntityRetentionSeconds) * time.Second)
				takLimiter.Forget(cutoff)
				mqttLimiter.Forget(cutoff)
			}
		}
	}()

	// Periodic pipeline aggregate to the MQTT system topic.
	if mqttPub != nil {
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					stats := engine.Stats()
					mqttPub.PublishSystem(map[string]interface{}{
						"entities":  stats.Entities,
						"displayed": stats.Displayed,
						"merges":    stats.Merges,
						"evicted":   stats.Evicted,
						"cycles":    stats.Cycles,
						"updated":   time.Now().UTC().Format(time.RFC3339),
					})
				}
			}
		}()
	}

	// Status API
	authSvc := auth.NewService(auth.Config{JWTSecret: cfg.Server.JWTSecret})
	users := make(map[string]api.User)
	if cfg.Server.AdminPasswordHash != "" {
		users["admin"] = api.User{PasswordHash: cfg.Server.AdminPasswordHash, Role: auth.RoleAdmin}
	}
	if cfg.Server.ViewerPasswordHash != "" {
		users["viewer"] = api.User{PasswordHash: cfg.Server.ViewerPasswordHash, Role: auth.RoleViewer}
	}

	srv := api.NewServer(api.Config{
		AuthService: authSvc,
		Users:       users,
		Engine:      engine,
		Pollers:     pollers,
		SinkStatus: func() []api.SinkStatus {
			return sinkStatuses(takClient, mqttPub)
		},
		MetricsHandler: m.Handler(),
	})
	engine.Subscribe(srv.BroadcastTracks)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	for _, p := range pollers {
		p.Start(ctx)
	}

	go func() {
		log.Printf("📡 Status API listening on %s:%s", cfg.Server.Host, cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("\n👋 Shutting down...")

	for _, p := range pollers {
		p.Stop()
	}
	if takClient != nil {
		takClient.Disconnect()
	}
	if mqttPub != nil {
		mqttPub.Disconnect()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("✅ Stopped")
}

// buildPollers constructs a poller per enabled feed and wires each one into
// the fusion engine and metrics.
func buildPollers(cfg *config.Config, engine *fusion.Engine, m *metrics.Metrics) ([]*feed.Poller, error) {
	var pollers []*feed.Poller
	for _, fc := range cfg.Feeds {
		if !fc.Enabled {
			continue
		}

		filters := feed.QueryFilters{
			CenterLat:  fc.CenterLat,
			CenterLon:  fc.CenterLon,
			RadiusKm:   fc.RadiusKm,
			MaxResults: fc.MaxResults,
		}
		timeout := time.Duration(fc.TimeoutSeconds) * time.Second

		var source feed.Source
		var err error
		switch fc.Type {
		case "aircraftlist":
			source, err = feed.NewAircraftListClient(fc.Name, fc.URL, timeout, filters)
		case "columnar":
			source, err = feed.NewColumnarClient(fc.Name, fc.URL, timeout, filters, fc.Username, fc.Password)
		default:
			err = fmt.Errorf("unknown feed type %q", fc.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("feed %q: %w", fc.Name, err)
		}

		poller := feed.NewPoller(source, feed.PollerConfig{
			Interval: time.Duration(fc.IntervalSeconds) * time.Second,
			Timeout:  timeout,
			OnBatch:  engine.Ingest,
			OnPoll:   m.RecordPoll,
			OnConnectionFailed: func(name string, err error) {
				log.Printf("⚠️  Feed %s gave up: %v (fix the source and restart)", name, err)
			},
		})
		pollers = append(pollers, poller)
		log.Printf("✓ Feed configured: %s (%s every %ds)", fc.Name, fc.Type, fc.IntervalSeconds)
	}
	return pollers, nil
}

func sinkStatuses(takClient *cot.Client, mqttPub *mqttpub.Publisher) []api.SinkStatus {
	var sinks []api.SinkStatus
	if takClient != nil {
		st := takClient.Status()
		sinks = append(sinks, api.SinkStatus{
			Name:       "tak",
			State:      st.StateName(),
			Reason:     st.Reason,
			Counters:   takClient.Counters(),
			QueueDepth: takClient.QueueDepth(),
			QueueDrops: takClient.QueueDrops(),
		})
	}
	if mqttPub != nil {
		st := mqttPub.Status()
		sinks = append(sinks, api.SinkStatus{
			Name:       "mqtt",
			State:      st.StateName(),
			Reason:     st.Reason,
			Counters:   mqttPub.Counters(),
			QueueDepth: mqttPub.QueueDepth(),
			QueueDrops: mqttPub.QueueDrops(),
		})
	}
	return sinks
}
