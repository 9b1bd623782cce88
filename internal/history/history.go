// Package history writes numeric entity states to InfluxDB.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/trymwestin/nestd/internal/config"
	"github.com/trymwestin/nestd/internal/core/state"
	"github.com/trymwestin/nestd/internal/entity"
)

const (
	measurement           = "nest_sensor"
	defaultConnectTimeout = 10 * time.Second
	millisecondsPerSecond = 1000
)

type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Writer records entity_state events as InfluxDB points.
type Writer struct {
	client influxdb2.Client
	api    pointWriter
	log    *slog.Logger
}

// Connect creates a Writer with a non-blocking, batched write API. It returns
// ErrDisabled when history is turned off.
func Connect(cfg config.InfluxDBConfig, log *slog.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			log.Warn("influxdb write failed", "error", err)
		}
	}()

	w := newWriter(writeAPI, log)
	w.client = client
	log.Info("influxdb history enabled", "url", cfg.URL, "bucket", cfg.Bucket)
	return w, nil
}

func newWriter(api pointWriter, log *slog.Logger) *Writer {
	return &Writer{api: api, log: log}
}

// Run writes a point for every numeric entity_state event until ctx is done.
func (w *Writer) Run(ctx context.Context, bus *state.EventBus) {
	events, unsub := bus.Subscribe(256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Type != state.EventEntityState {
				continue
			}
			st, ok := evt.Data.(entity.State)
			if !ok {
				continue
			}
			if p, ok := Point(st); ok {
				w.api.WritePoint(p)
			}
		}
	}
}

// Close flushes pending points and closes the client.
func (w *Writer) Close() error {
	w.api.Flush()
	if w.client != nil {
		w.client.Close()
	}
	return nil
}

// Point converts an available, numeric entity state into a point. Text and
// absent states are not recorded.
func Point(st entity.State) (*write.Point, bool) {
	if !st.Available {
		return nil, false
	}
	v, ok := numeric(st.State)
	if !ok {
		return nil, false
	}
	ts := st.LastUpdated
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(
		measurement,
		map[string]string{
			"unique_id": st.UniqueID,
			"device_id": st.DeviceID,
			"kind":      string(st.Kind),
		},
		map[string]interface{}{
			"value": v,
		},
		ts,
	), true
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
