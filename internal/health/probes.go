package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/portcullis/gateway/internal/cache"
	"github.com/portcullis/gateway/internal/config"
)

// CacheProbe pings the shared Redis cache. The ping carries its own deadline
// so a hung cache cannot stall the probe cycle.
func CacheProbe(client *redis.Client) Probe {
	return func(ctx context.Context) error {
		return cache.Ping(ctx, client, 2*time.Second)
	}
}

// BusProbe dials the first reachable Kafka broker.
func BusProbe(cfg config.BusConfig) Probe {
	return func(ctx context.Context) error {
		var lastErr error
		for _, broker := range cfg.BootstrapServers {
			conn, err := kafka.DialContext(ctx, "tcp", broker)
			if err != nil {
				lastErr = err
				continue
			}
			conn.Close()
			return nil
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no brokers configured")
		}
		return lastErr
	}
}

// ControlPlaneProbe issues a GET against the bootstrap endpoint. Any HTTP
// answer below 500 counts as alive.
func ControlPlaneProbe(cfg config.ControlPlaneConfig) Probe {
	client := &http.Client{}
	url := strings.TrimRight(cfg.URL, "/") + cfg.BootstrapPath
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("control plane answered %d", resp.StatusCode)
		}
		return nil
	}
}
