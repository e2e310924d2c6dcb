// Package influx records mining time-series metrics: poll cadence, share
// outcomes, and hashing throughput.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/junocash/jmined/internal/pool"
)

// Client wraps InfluxDB operations for time-series metrics.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client and verifies connectivity.
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending writes and closes the connection.
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity.
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}
	return nil
}

// Mining metrics. Writes are asynchronous and best-effort; the write API
// batches and flushes in the background.

// RecordPoll records a template poll round trip.
func (c *Client) RecordPoll(height int64, fresh bool) {
	tags := map[string]string{
		"fresh": fmt.Sprintf("%t", fresh),
	}
	fields := map[string]interface{}{
		"height": height,
		"count":  1,
	}
	c.writeAPI.WritePoint(write.NewPoint("template_polls", tags, fields, time.Now()))
}

// RecordShare records a share submission outcome.
func (c *Client) RecordShare(status pool.ShareStatus, height int64) {
	tags := map[string]string{
		"status": string(status),
	}
	fields := map[string]interface{}{
		"height": height,
		"count":  1,
	}
	c.writeAPI.WritePoint(write.NewPoint("shares", tags, fields, time.Now()))
}

// RecordHashrate records aggregate hashing throughput.
func (c *Client) RecordHashrate(workers int, hashesPerSec float64) {
	tags := map[string]string{
		"workers": fmt.Sprintf("%d", workers),
	}
	fields := map[string]interface{}{
		"hashrate": hashesPerSec,
	}
	c.writeAPI.WritePoint(write.NewPoint("hashrate", tags, fields, time.Now()))
}

// Queries

// HashratePoint represents a hashrate measurement at a point in time.
type HashratePoint struct {
	Time     time.Time `json:"time"`
	Hashrate float64   `json:"hashrate"`
}

// GetHashrateHistory retrieves the daemon's hashrate history over a
// duration, aggregated into five-minute means.
func (c *Client) GetHashrateHistory(ctx context.Context, duration time.Duration) ([]HashratePoint, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "hashrate")
		|> filter(fn: (r) => r._field == "hashrate")
		|> aggregateWindow(every: 5m, fn: mean, createEmpty: false)
	`, c.bucket, duration.String())

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query hashrate history: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	var points []HashratePoint
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, HashratePoint{
				Time:     record.Time(),
				Hashrate: value,
			})
		}
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}
	return points, nil
}

// ShareStats represents aggregated share counts over a window.
type ShareStats struct {
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
	Stale    int64 `json:"stale"`
}

// GetShareStats retrieves share outcome counts for a time period.
func (c *Client) GetShareStats(ctx context.Context, duration time.Duration) (*ShareStats, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "shares")
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["status"])
		|> sum()
	`, c.bucket, duration.String())

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query share stats: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	stats := &ShareStats{}
	for result.Next() {
		record := result.Record()
		count, ok := record.Value().(int64)
		if !ok {
			continue
		}
		switch record.ValueByKey("status") {
		case string(pool.StatusAccepted):
			stats.Accepted = count
		case string(pool.StatusRejected):
			stats.Rejected = count
		case string(pool.StatusStale):
			stats.Stale = count
		}
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}
	return stats, nil
}

// Flush forces a write of all pending points.
func (c *Client) Flush() {
	c.writeAPI.Flush()
}
