package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ericchongums/kopikap-dashboard/internal/alert"
	"github.com/ericchongums/kopikap-dashboard/internal/auth"
	"github.com/ericchongums/kopikap-dashboard/internal/board"
	"github.com/ericchongums/kopikap-dashboard/internal/config"
	"github.com/ericchongums/kopikap-dashboard/internal/db"
	"github.com/ericchongums/kopikap-dashboard/internal/docstore"
	"github.com/ericchongums/kopikap-dashboard/internal/events"
	grpcserver "github.com/ericchongums/kopikap-dashboard/internal/grpc"
	"github.com/ericchongums/kopikap-dashboard/internal/httpapi"
	"github.com/ericchongums/kopikap-dashboard/internal/lifecycle"
	"github.com/ericchongums/kopikap-dashboard/internal/metrics"
	"github.com/ericchongums/kopikap-dashboard/repository"
)

func openStore(ctx context.Context, cfg config.StoreConfig) (*docstore.DB, error) {
	opts := []docstore.Option{docstore.WithAccessRule(auth.AccessRule)}
	if cfg.EnforceIndexes {
		opts = append(opts, docstore.WithIndexes(repository.Indexes()...))
	}
	switch cfg.Driver {
	case "memory":
		return docstore.NewMemory(opts...), nil
	case "mongo":
		return docstore.OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, opts...)
	default:
		d, err := db.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return docstore.NewSQLite(d, opts...), nil
	}
}

// openEvents builds the event sink; the returned closer flushes Kafka.
func openEvents(cfg config.EventsConfig) (events.Writer, func() error, error) {
	var writers []events.Writer
	closer := func() error { return nil }
	if cfg.File != "" {
		fw, err := events.NewFileWriter(filepath.Dir(cfg.File), filepath.Base(cfg.File))
		if err != nil {
			return nil, nil, fmt.Errorf("events file: %w", err)
		}
		writers = append(writers, fw)
	}
	if len(cfg.KafkaBrokers) > 0 {
		kw := events.NewKafkaWriter(strings.Join(cfg.KafkaBrokers, ","), cfg.KafkaTopic)
		writers = append(writers, kw)
		closer = kw.Close
	}
	switch len(writers) {
	case 0:
		return events.Discard, closer, nil
	case 1:
		return writers[0], closer, nil
	}
	return events.NewMultiWriter(writers...), closer, nil
}

func main() {
	// Load configuration
	cfg, err := config.LoadWithDefaults()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Printf("Configuration loaded: %v", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}()

	sink, closeEvents, err := openEvents(cfg.Events)
	if err != nil {
		log.Fatalf("open events: %v", err)
	}
	defer func() {
		if err := closeEvents(); err != nil {
			log.Printf("close events: %v", err)
		}
	}()

	m := metrics.NewRegistry()
	coord := lifecycle.New(store, lifecycle.WithEvents(sink), lifecycle.WithMetrics(m))
	hub := httpapi.NewHub(log.Default(), m)

	// background work runs as the system principal so the access rule lets it through
	sysCtx := auth.WithPrincipal(ctx, auth.System)

	dash := board.NewDashboard(store, coord, board.DashboardConfig{
		PickupLimit: cfg.Pickup.BoardLimit,
		ExpireAfter: cfg.Pickup.ExpireAfter,
		SweepEvery:  cfg.Pickup.SweepEvery,
		OnFrame:     hub.PublishFrame,
		Notifier:    alert.FanOut{hub, alert.LogNotifier{}},
		Metrics:     m,
	})
	if err := dash.Start(sysCtx); err != nil {
		log.Fatalf("start dashboard: %v", err)
	}
	defer dash.Close()

	// the dashboard already publishes the pickup board
	display := board.NewKioskDisplay(store, board.KioskConfig{
		PickupLimit: cfg.Pickup.BoardLimit,
		ExpireAfter: cfg.Pickup.ExpireAfter,
		OnFrame: func(f board.Frame) {
			if f.Board == board.NamePreparing {
				hub.PublishFrame(f)
			}
		},
		Metrics: m,
	})
	if err := display.Start(sysCtx); err != nil {
		log.Fatalf("start kiosk display: %v", err)
	}
	defer display.Close()

	boards := map[string]*board.Reconciler{
		board.NameQueue:     dash.Queue(),
		board.NamePickup:    dash.Pickup(),
		board.NamePreparing: display.Preparing(),
	}
	hub.SetGreeting(func() []httpapi.Message {
		var out []httpapi.Message
		for _, r := range boards {
			out = append(out, httpapi.Message{Event: httpapi.EventBoard, Payload: r.Frame()})
		}
		return out
	})
	defer hub.Close()

	// Start gRPC
	shutdownGRPC, err := grpcserver.StartGRPC(cfg, &grpcserver.Server{
		Coord:       coord,
		PickupLimit: cfg.Pickup.BoardLimit,
		ExpireAfter: cfg.Pickup.ExpireAfter,
	})
	if err != nil {
		log.Fatalf("start grpc: %v", err)
	}
	log.Printf("gRPC server listening on %s", cfg.GRPC.Address)

	api := &httpapi.API{
		Coord:        coord,
		Boards:       boards,
		OnReceived:   dash.Received,
		Hub:          hub,
		Metrics:      m,
		Secret:       cfg.Auth.JWTSecret,
		AllowOrigins: cfg.HTTP.AllowOrigins,
	}
	httpSrv := &http.Server{Addr: cfg.HTTP.Address, Handler: api.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server: %v", err)
		}
	}()
	log.Printf("HTTP server listening on %s", cfg.HTTP.Address)

	// Wait for signal
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	if err := shutdownGRPC(shutdownCtx); err != nil {
		log.Printf("grpc shutdown error: %v", err)
	}
}
