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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-coedit/v1/httpapi"
	"github.com/mirkobrombin/go-coedit/v1/metrics"
	"github.com/mirkobrombin/go-coedit/v1/policy"
	"github.com/mirkobrombin/go-coedit/v1/presets"
)

var (
	addr        = flag.String("addr", "0.0.0.0", "Address to listen on")
	port        = flag.Int("port", 8095, "Port to listen on")
	redisAddr   = flag.String("redis-addr", "", "Redis address; empty runs in-memory standalone")
	redisDB     = flag.Int("redis-db", 0, "Redis database")
	presenceTTL = flag.Duration("presence-ttl", 0, "Presence TTL override")
	lockTTL     = flag.Duration("lock-ttl", 0, "Lock TTL override")
	sweepEvery  = flag.Duration("sweep-interval", 0, "Sweep interval override")
	traceStdout = flag.Bool("trace-stdout", false, "Emit traces to stdout")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *traceStdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	var opts []policy.Option
	if *presenceTTL > 0 {
		opts = append(opts, policy.WithPresenceTTL(*presenceTTL))
	}
	if *lockTTL > 0 {
		opts = append(opts, policy.WithLockTTL(*lockTTL))
	}
	if *sweepEvery > 0 {
		opts = append(opts, policy.WithSweepInterval(*sweepEvery))
	}
	pol := policy.Default(opts...)

	var stack *presets.Stack
	if *redisAddr != "" {
		stack = presets.NewRedis(presets.RedisOptions{Addr: *redisAddr, DB: *redisDB}, pol)
		log.Printf("coedit-server: redis backend at %s", *redisAddr)
	} else {
		stack = presets.NewInMemoryStandalone(pol)
		log.Print("coedit-server: in-memory standalone backend")
	}
	defer stack.Cache.Close()

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/v1/", httpapi.New(stack.Service, httpapi.WithEventBus(stack.Bus)))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", *addr, *port),
		Handler: mux,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("coedit-server: listening on %s (presence ttl %s, lock ttl %s, sweep %s)",
			srv.Addr, pol.PresenceTTL, pol.LockTTL, pol.SweepInterval)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return stack.Sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("coedit-server: %v", err)
	}
}
