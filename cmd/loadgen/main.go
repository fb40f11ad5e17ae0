// Load generator for Kestrel.
//
// Usage:
//
//	go run ./cmd/loadgen -url http://localhost:8080 -rate 500 -count 10000
//
// This tool:
//  1. Generates random payments (uniform payees, beneficiaries and amounts)
//  2. Publishes each one through POST /transactions at a throttled rate
//  3. Reports throughput, latency and how many alerts the engine produced
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Stats tracks load results
type Stats struct {
	Sent      int64
	Errors    int64
	LatencyMs int64
}

func main() {
	// Parse flags
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	rate := flag.Int("rate", 100, "Transactions per second (0 = unthrottled)")
	count := flag.Int("count", 1000, "Transactions to send (0 = until interrupted)")
	workers := flag.Int("workers", 4, "Number of concurrent senders")
	payees := flag.Int64("payees", 100, "Distinct payee ids")
	beneficiaries := flag.Int64("beneficiaries", 100, "Distinct beneficiary ids")
	minAmount := flag.Float64("min-amount", 5, "Minimum payment amount")
	maxAmount := flag.Float64("max-amount", 20, "Maximum payment amount")
	verbose := flag.Bool("verbose", false, "Print each transaction")
	flag.Parse()

	gen, err := NewGenerator(GeneratorConfig{
		MaxPayeeID:       *payees,
		MaxBeneficiaryID: *beneficiaries,
		MinAmount:        *minAmount,
		MaxAmount:        *maxAmount,
	}, time.Now().UnixNano())
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                 KESTREL LOAD GENERATOR                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Rate:        %d tx/sec\n", *rate)
	fmt.Printf("Count:       %d\n", *count)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Payees:      %d\n", *payees)
	fmt.Printf("Amounts:     %.2f - %.2f\n", *minAmount, *maxAmount)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	alertsBefore, _ := readAlertCount(*baseURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("\nSending with %d workers...\n", *workers)
	startTime := time.Now()
	stats := runLoad(ctx, gen, *baseURL, *rate, *count, *workers, *verbose)
	duration := time.Since(startTime)

	// Alerts are produced asynchronously; give the sinks a moment.
	time.Sleep(500 * time.Millisecond)
	alertsAfter, err := readAlertCount(*baseURL)
	if err != nil {
		fmt.Printf("WARN: could not read alert count: %v\n", err)
	}

	printResults(stats, duration, alertsAfter-alertsBefore)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readAlertCount scrapes kestrel_alerts_emitted_total.
func readAlertCount(baseURL string) (float64, error) {
	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	const name = "kestrel_alerts_emitted_total "
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, name) {
			return strconv.ParseFloat(strings.TrimPrefix(line, name), 64)
		}
	}
	return 0, scanner.Err()
}

func runLoad(ctx context.Context, gen *Generator, baseURL string, rate, count, numWorkers int, verbose bool) *Stats {
	stats := &Stats{}

	// Create work channel
	work := make(chan domain.Transaction, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				err := sendTransaction(client, baseURL, tx)
				atomic.AddInt64(&stats.LatencyMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&stats.Sent, 1)

				if err != nil {
					atomic.AddInt64(&stats.Errors, 1)
					if verbose {
						fmt.Printf("ERROR: tx %d -> %v\n", tx.ID, err)
					}
					continue
				}
				if verbose {
					fmt.Printf("✓ tx %-20d | payee %-6d | beneficiary %-6d | %8s %s\n",
						tx.ID, tx.PayeeID, tx.BeneficiaryID, tx.Amount.StringFixed(2), tx.PaymentType)
				}
			}
		}()
	}

	// Produce work at the requested rate
	var tick <-chan time.Time
	if rate > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(rate))
		defer ticker.Stop()
		tick = ticker.C
	}

produce:
	for n := 0; count == 0 || n < count; n++ {
		if tick != nil {
			select {
			case <-ctx.Done():
				break produce
			case <-tick:
			}
		}
		select {
		case <-ctx.Done():
			break produce
		case work <- gen.Next(time.Now()):
		}
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return stats
}

func sendTransaction(client *http.Client, baseURL string, tx domain.Transaction) error {
	body, err := json.Marshal(tx)
	if err != nil {
		return err
	}

	resp, err := client.Post(baseURL+"/transactions", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func printResults(s *Stats, duration time.Duration, alerts float64) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                        LOAD RESULTS                           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 TRAFFIC\n")
	fmt.Printf("   Sent:             %d\n", s.Sent)
	fmt.Printf("   Errors:           %d\n", s.Errors)
	fmt.Printf("   Alerts produced:  %.0f\n", alerts)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if s.Sent > 0 {
		avgMs := float64(s.LatencyMs) / float64(s.Sent)
		tps := float64(s.Sent) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}
	fmt.Println()
}
