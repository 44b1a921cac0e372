package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yepanywhere/relay/pkg/sdk"
)

// LoadTestConfig holds load test parameters
type LoadTestConfig struct {
	URL            string
	Username       string
	Identity       string
	Password       string
	Path           string
	NumRequests    int
	Concurrency    int
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics
type LoadTestStats struct {
	TotalRequests       uint64
	SuccessfulRequests  uint64
	FailedRequests      uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

func main() {
	// Parse flags
	url := flag.String("url", "ws://127.0.0.1:8417/ws", "Gateway or broker WebSocket URL")
	username := flag.String("username", "", "Relay username for broker pairing (empty for a direct origin URL)")
	identity := flag.String("identity", "", "SRP identity")
	password := flag.String("password", "", "SRP password")
	path := flag.String("path", "/health", "Request path to hammer")
	numReqs := flag.Int("requests", 1000, "Number of requests to issue")
	concurrency := flag.Int("concurrency", 16, "Number of concurrent in-flight requests")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	flag.Parse()

	if *identity == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "Both -identity and -password are required")
		os.Exit(2)
	}

	config := LoadTestConfig{
		URL:            *url,
		Username:       *username,
		Identity:       *identity,
		Password:       *password,
		Path:           *path,
		NumRequests:    *numReqs,
		Concurrency:    *concurrency,
		ReportInterval: *reportInterval,
	}

	slog.Info("🚀 Starting Relay Load Test")
	slog.Info("Target", "url", config.URL, "path", config.Path)
	slog.Info("Requests", "num_requests", config.NumRequests)
	slog.Info("Concurrency", "concurrency", config.Concurrency)
	stats := runLoadTest(config)

	// Print final results
	printResults(stats)
}

func runLoadTest(config LoadTestConfig) *LoadTestStats {
	// One connection, many in-flight requests: the protocol multiplexes by
	// request id, so concurrency here stresses the frame pipeline itself.
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 30*time.Second)
	client, err := sdk.Dial(dialCtx, sdk.Config{
		URL:      config.URL,
		Username: config.Username,
		Identity: config.Identity,
		Password: config.Password,
	})
	dialCancel()
	if err != nil {
		slog.Error("Failed to connect", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	// Stats tracking
	stats := &LoadTestStats{
		MinLatency: time.Hour, // Initialize to large value
	}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	// Worker pool
	reqChan := make(chan int, config.NumRequests)
	var wg sync.WaitGroup

	// Start stats reporter
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	// Start workers
	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range reqChan {
				processRequest(ctx, client, config.Path, stats, &latencies, &latenciesMu)
			}
		}()
	}

	// Feed requests
	for i := 0; i < config.NumRequests; i++ {
		reqChan <- i
	}
	close(reqChan)

	// Wait for completion
	wg.Wait()
	totalDuration := time.Since(startTime)

	// Calculate final stats
	stats.TotalDuration = totalDuration
	stats.ThroughputPerSecond = float64(stats.TotalRequests) / totalDuration.Seconds()

	// Calculate latency percentiles
	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

func processRequest(
	ctx context.Context,
	client *sdk.Client,
	path string,
	stats *LoadTestStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	// Measure round-trip latency
	start := time.Now()
	_, err := client.Request(ctx, "GET", path, nil)
	latency := time.Since(start)

	// Update stats
	atomic.AddUint64(&stats.TotalRequests, 1)

	if err != nil {
		atomic.AddUint64(&stats.FailedRequests, 1)
	} else {
		atomic.AddUint64(&stats.SuccessfulRequests, 1)
	}

	// Track latency
	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	latenciesMu.Unlock()
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&stats.TotalRequests)
			success := atomic.LoadUint64(&stats.SuccessfulRequests)
			failed := atomic.LoadUint64(&stats.FailedRequests)

			slog.Warn("Progress: requests | success | failed | Latency: min= max", "total", total, "success", success, "failed", failed, "min_latency", stats.MinLatency, "max_latency", stats.MaxLatency)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("📊 LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Requests:         %d\n", stats.TotalRequests)
	fmt.Printf("Successful Requests:    %d (%.2f%%)\n",
		stats.SuccessfulRequests,
		float64(stats.SuccessfulRequests)/float64(stats.TotalRequests)*100)
	fmt.Printf("Failed Requests:        %d (%.2f%%)\n",
		stats.FailedRequests,
		float64(stats.FailedRequests)/float64(stats.TotalRequests)*100)
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f reqs/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator)

	// Performance assessment
	if stats.ThroughputPerSecond >= 100 {
		fmt.Println("✅ PASS: Throughput meets target (>100 reqs/sec)")
	} else {
		fmt.Println("❌ FAIL: Throughput below target (<100 reqs/sec)")
	}

	if stats.P95Latency < 100*time.Millisecond {
		fmt.Println("✅ PASS: P95 latency meets target (<100ms)")
	} else {
		fmt.Println("⚠️  WARN: P95 latency above target (>100ms)")
	}

	successRate := float64(stats.SuccessfulRequests) / float64(stats.TotalRequests) * 100
	if successRate >= 95 {
		fmt.Println("✅ PASS: Success rate meets target (>95%)")
	} else {
		fmt.Println("❌ FAIL: Success rate below target (<95%)")
	}
	fmt.Println(separator + "\n")
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, l := range latencies {
		total += l
	}

	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	// Sort latencies
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)

	// Simple bubble sort (good enough for testing)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i] > sorted[j] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	// Calculate percentile index
	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}
