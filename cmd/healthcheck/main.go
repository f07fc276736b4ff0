// Command healthcheck requests the soundbot's /healthz endpoint and exits
// non-zero when it is unreachable or unhealthy. It is meant for container
// HEALTHCHECK directives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/onnwee/soundbot/config"
)

func main() {
	addr := flag.String("addr", "", "address the bot listens on (default: BIND_ADDRESS)")
	flag.Parse()

	bind := *addr
	if bind == "" {
		if cfg, err := config.Load(); err == nil {
			bind = cfg.BindAddress
		}
	}
	if bind == "" {
		bind = config.DefaultBindAddress
	}

	client := &http.Client{Timeout: 3 * time.Second}
	if err := checkHealth(context.Background(), client, healthURL(bind)); err != nil {
		log.Printf("healthcheck failed: %v", err)
		os.Exit(1)
	}
}

// healthURL maps a listen address to a dialable /healthz URL. Wildcard hosts
// are checked on loopback.
func healthURL(bind string) string {
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return "http://" + bind + "/healthz"
	}
	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthz"
}

func checkHealth(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
