// coedit-bench measures coordinator operation throughput against the
// in-memory and Redis backends. Each worker simulates one user polling a
// document snapshot and cycling a section lock.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-coedit/v1/coordinator"
	"github.com/mirkobrombin/go-coedit/v1/policy"
	"github.com/mirkobrombin/go-coedit/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 100000, "Requests")
	documents   = flag.Int("docs", 16, "Documents to spread load across")
	target      = flag.String("target", "all", "Target: memory, redis")
	op          = flag.String("op", "snapshot", "Operation: snapshot, lock")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis Address")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"memory", "redis"}
	}

	fmt.Printf("| %-10s | %-10s | %-10s | %-12s | %-12s |\n", "Backend", "Op", "Ops/sec", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t))
	}
}

func runBenchmark(name string) {
	pol := policy.Default(policy.WithPresenceTTL(time.Hour), policy.WithLockTTL(time.Hour))

	var stack *presets.Stack
	switch name {
	case "memory":
		stack = presets.NewInMemoryStandalone(pol)
	case "redis":
		stack = presets.NewRedis(presets.RedisOptions{Addr: *redisAddr}, pol)
	default:
		log.Printf("Unknown target: %s", name)
		return
	}
	defer stack.Cache.Close()

	ctx := context.Background()
	svc := stack.Service

	var fn func(ctx context.Context, doc string, user coordinator.User) error
	switch *op {
	case "snapshot":
		fn = func(ctx context.Context, doc string, user coordinator.User) error {
			_, err := svc.Snapshot(ctx, doc, user)
			return err
		}
	case "lock":
		fn = func(ctx context.Context, doc string, user coordinator.User) error {
			// each worker owns its own section, so acquires never conflict
			section := "s-" + user.ID
			if _, err := svc.LockSection(ctx, doc, section, user); err != nil {
				return err
			}
			return svc.UnlockSection(ctx, doc, section, user)
		}
	default:
		log.Printf("Unknown op: %s", *op)
		return
	}

	var wg sync.WaitGroup
	var ops int64
	totalReqs := *requests
	latencies := make([]int64, totalReqs)
	chunk := totalReqs / *concurrency

	// join up front so lock acquires see live presence
	users := make([]coordinator.User, *concurrency)
	docs := make([]string, *concurrency)
	for i := range users {
		users[i] = coordinator.User{ID: fmt.Sprintf("u-%d", i), Name: fmt.Sprintf("user %d", i)}
		docs[i] = fmt.Sprintf("doc-%d", i%*documents)
		if _, err := svc.Snapshot(ctx, docs[i], users[i]); err != nil {
			fmt.Printf("| %-10s | %-10s | %-10s | %-12s | %-12s |\n", name, *op, "ERROR", "-", "-")
			return
		}
	}

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			offset := idx * chunk
			for j := 0; j < chunk; j++ {
				reqStart := time.Now()
				if err := fn(ctx, docs[idx], users[idx]); err == nil {
					atomic.AddInt64(&ops, 1)
					latencies[offset+j] = time.Since(reqStart).Nanoseconds()
				}
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		fmt.Printf("| %-10s | %-10s | %-10s | %-12s | %-12s |\n", name, *op, "ERROR", "-", "-")
		return
	}

	throughput := float64(ops) / elapsed.Seconds()
	avgLat := float64(elapsed.Nanoseconds()) / float64(ops)

	p99 := "-"
	validLats := make([]int64, 0, ops)
	for _, l := range latencies {
		if l > 0 {
			validLats = append(validLats, l)
		}
	}
	if len(validLats) > 0 {
		sort.Slice(validLats, func(i, j int) bool { return validLats[i] < validLats[j] })
		p99Idx := int(float64(len(validLats)) * 0.99)
		if p99Idx >= len(validLats) {
			p99Idx = len(validLats) - 1
		}
		p99 = fmt.Sprintf("%d", validLats[p99Idx])
	}

	fmt.Printf("| %-10s | %-10s | %-10.0f | %-12.0f | %-12s |\n", name, *op, throughput, avgLat, p99)
}
