// Command ledgerclient-probe is a small diagnostic tool: it loads the
// configured endpoint pool, runs one election round, and reports the
// winner's latency and server time delta. Grounded on cmd/latency-test's
// load-config-then-report shape.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/PayRpc/ledger-client-go/internal/clockenv"
	"github.com/PayRpc/ledger-client-go/internal/config"
	"github.com/PayRpc/ledger-client-go/pkg/client"
)

func main() {
	fmt.Println("ledger-client endpoint probe")
	fmt.Println("=============================")

	cfg := config.Load()
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = []string{"https://main.ton.dev", "https://net.ton.dev"}
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	c, err := client.New(cfg, clockenv.NewReal(), logger)
	if err != nil {
		log.Fatalf("failed to construct client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.MaxLatency*2+5*time.Second)
	defer cancel()

	start := time.Now()
	ep, err := c.GetQueryEndpoint(ctx)
	if err != nil {
		log.Fatalf("election failed: %v", err)
	}

	fmt.Printf("winner:            %s\n", ep.URL)
	fmt.Printf("state:             %s\n", ep.State())
	fmt.Printf("latency:           %v\n", ep.Latency())
	fmt.Printf("server_time_delta: %dms\n", ep.ServerTimeDeltaMs())
	fmt.Printf("election round:    %v\n", time.Since(start))
}
