// Sidecar - RoboCup simulation gateway
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcssim/sidecar/internal/admission"
	"github.com/rcssim/sidecar/internal/config"
	"github.com/rcssim/sidecar/internal/egress"
	"github.com/rcssim/sidecar/internal/room"
	"github.com/rcssim/sidecar/internal/service"
	"github.com/rcssim/sidecar/internal/sidecarmetrics"
	"github.com/rcssim/sidecar/internal/wstransport"
	"github.com/rcssim/sidecar/pkg/logger"
)

func main() {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		logger.Error("parsing flags: %v", err)
		os.Exit(2)
	}

	if flags.Version {
		fmt.Println("sidecar v0.1.0")
		os.Exit(0)
	}

	cfg, err := config.Load(flags.ConfigPath, flags)
	if err != nil {
		logger.Error("loading config: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runner, svc, roomSrv, collector, promCollectors, err := wire(ctx, cfg)
	if err != nil {
		logger.Error("wiring sidecar: %v", err)
		os.Exit(1)
	}

	if err := runner.Spawn(ctx); err != nil {
		logger.Error("spawning sim process: %v", err)
		os.Exit(1)
	}

	if cfg.Listen.HTTPListen != "" {
		go serveHTTP(ctx, cfg.Listen.HTTPListen, roomSrv, svc)
	}

	go syncMetricsLoop(ctx, collector, promCollectors)
	go mirrorStatusLoop(ctx, svc, collector)
	go mirrorRoomLoop(ctx, roomSrv, collector)

	if agonesSvc, ok := runner.(*service.AgonesService); ok && cfg.Agones.AutoShutdownOnFinish {
		go func() {
			select {
			case <-agonesSvc.Done():
				logger.Info("sidecar: sim reached Finished with auto-shutdown-on-finish, exiting")
				sigCh <- syscall.SIGTERM
			case <-ctx.Done():
			}
		}()
	}

	<-sigCh
	logger.Info("sidecar: shutting down...")
	cancel()

	if err := roomSrv.Shutdown(); err != nil {
		logger.Error("sidecar: room shutdown error: %v", err)
	}
	if err := runner.Shutdown(); err != nil {
		logger.Error("sidecar: service shutdown error: %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	logger.Info("sidecar: shutdown complete")
}

// lifecycle is the subset of Service/AgonesService's surface main needs,
// letting the Agones decorator stand in for the plain facade without a
// type switch at every call site.
type lifecycle interface {
	Spawn(ctx context.Context) error
	Shutdown() error
}

// baseLifecycle adapts Service's (ctx, force bool) Spawn to lifecycle's
// single-argument Spawn, always spawning fresh (force=false) at startup.
type baseLifecycle struct{ *service.Service }

func (b baseLifecycle) Spawn(ctx context.Context) error { return b.Service.Spawn(ctx, false) }

func wire(ctx context.Context, cfg *config.Config) (lifecycle, *service.Service, *room.Room, *sidecarmetrics.Collector, *sidecarmetrics.PrometheusCollectors, error) {
	log := logger.Default

	var promCollectors *sidecarmetrics.PrometheusCollectors
	if cfg.Metrics.Enabled {
		promCollectors = sidecarmetrics.InitPrometheus(cfg.Metrics.Namespace)
	}
	collector := sidecarmetrics.NewCollector()

	dialer, err := egress.NewProxyDialer(&cfg.Upstream.Egress)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	connector := wstransport.NewConnector(wstransport.Config{
		URL:                  cfg.Upstream.URL,
		MaxReconnectAttempts: cfg.Upstream.MaxReconnectAttempts,
		ReconnectDelay:       time.Duration(cfg.Upstream.ReconnectDelayMs) * time.Millisecond,
		HandshakeTimeout:     time.Duration(cfg.Upstream.HandshakeTimeoutMs) * time.Millisecond,
	}, dialer, log.WithField("component", "wstransport"))

	adm := admission.New(cfg.Admission)

	roomSrv, err := room.Listen(ctx, cfg.Listen.Addr(), connector, adm, log.WithField("component", "room"), collector.IncrementHeartbeatMiss)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	svcCfg := cfg.ServiceConfig()
	if promCollectors != nil {
		svcCfg.OnResolverLatency = func(seconds float64) {
			promCollectors.ObserveResolverLatencySeconds(seconds)
		}
	}
	svc := service.New(svcCfg, log.WithField("component", "service"))

	if !cfg.Agones.Enabled {
		return baseLifecycle{svc}, svc, roomSrv, collector, promCollectors, nil
	}

	sdkClient, err := service.NewSDKClient()
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	agonesSvc := service.NewAgonesService(svc, sdkClient, service.AgonesConfig{
		HealthPingInterval:   time.Duration(cfg.Agones.HealthCheckIntervalMs) * time.Millisecond,
		AutoShutdownOnFinish: cfg.Agones.AutoShutdownOnFinish,
	}, log.WithField("component", "agones"))
	return agonesSvc, svc, roomSrv, collector, promCollectors, nil
}

func serveHTTP(ctx context.Context, addr string, roomSrv *room.Room, svc *service.Service) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{
			"service_status": svc.Status().String(),
			"room":           roomSrv.Info(),
			"connections":    roomSrv.ConnInfos(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("sidecar: http listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("sidecar: http server error: %v", err)
	}
}

func syncMetricsLoop(ctx context.Context, collector *sidecarmetrics.Collector, pc *sidecarmetrics.PrometheusCollectors) {
	if pc == nil {
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var lastHeartbeatMisses uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pc.Sync(collector, &lastHeartbeatMisses)
		}
	}
}

func mirrorStatusLoop(ctx context.Context, svc *service.Service, collector *sidecarmetrics.Collector) {
	for {
		ch, status := svc.StatusChanged()
		collector.SetServiceStatus(int32(status))
		select {
		case <-ctx.Done():
			return
		case <-ch:
		}
	}
}

func mirrorRoomLoop(ctx context.Context, roomSrv *room.Room, collector *sidecarmetrics.Collector) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info := roomSrv.Info()
			collector.SetRoomsActive(1)
			collector.ConnectionsActive.Store(int64(info.ConnectionCount))
		}
	}
}
