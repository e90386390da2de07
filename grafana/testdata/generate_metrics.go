// Package testdata serves synthetic autopilot metrics so Grafana dashboards
// can be built and checked without a live daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/metrics"
)

var (
	actions    = []string{"reply", "archive", "label", "delete", "edit", "merge"}
	decisions  = []string{"approved", "approved", "approved", "rejected"}
	readiness  = []string{"clean", "clean", "blocked", "draft", "timed_out"}
	mergePaths = []string{metrics.PathRemote, metrics.PathRemote, metrics.PathAdminSquash}

	errSample = errors.New("sample failure")
)

// generateSampleData seeds every collector so each panel has data at once.
func generateSampleData(m *metrics.Metrics) {
	for i := 0; i < 120; i++ {
		m.ProposalCreated(randomChoice(actions))
	}
	for i := 0; i < 90; i++ {
		m.Decided(randomChoice(decisions))
	}
	for i := 0; i < 70; i++ {
		m.Executed(randomChoice(actions), maybeErr(0.1))
	}
	for i := 0; i < 40; i++ {
		state := randomChoice(readiness)
		attempts := rand.Intn(5) + 1
		if state == "timed_out" {
			attempts = 10
		}
		m.ReadinessPolled(state, attempts)
	}
	for i := 0; i < 30; i++ {
		m.Merged(randomChoice(mergePaths), maybeErr(0.15))
	}
}

func generateContinuousData(ctx context.Context, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rand.Float64() > 0.3 {
				m.ProposalCreated(randomChoice(actions))
			}
			if rand.Float64() > 0.4 {
				m.Decided(randomChoice(decisions))
			}
			if rand.Float64() > 0.5 {
				m.Executed(randomChoice(actions), maybeErr(0.1))
			}
			if rand.Float64() > 0.7 {
				m.ReadinessPolled(randomChoice(readiness), rand.Intn(10)+1)
			}
			if rand.Float64() > 0.8 {
				m.Merged(randomChoice(mergePaths), maybeErr(0.15))
			}
		}
	}
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "9090"
	}

	m := metrics.New()
	generateSampleData(m)

	ctx, cancel := context.WithCancel(context.Background())
	go generateContinuousData(ctx, m)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
		_ = server.Shutdown(context.Background())
	}()

	fmt.Printf("Sample metrics server running on http://localhost:%s/metrics\n", port)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println("\nTo use with Prometheus, add this to prometheus.yml:")
	fmt.Printf("  - job_name: 'autopilot-test'\n    static_configs:\n      - targets: ['localhost:%s']\n", port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func maybeErr(rate float64) error {
	if rand.Float64() < rate {
		return errSample
	}
	return nil
}

func randomChoice(choices []string) string {
	return choices[rand.Intn(len(choices))]
}
