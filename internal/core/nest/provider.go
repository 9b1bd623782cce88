package nest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/trymwestin/nestd/internal/core/state"
	"github.com/trymwestin/nestd/internal/metrics"
)

// refreshTimeout bounds one upstream refresh, login retry included.
const refreshTimeout = 2 * time.Minute

// Tokener hands out sessions; SessionManager is the production implementation.
type Tokener interface {
	Token(ctx context.Context) (Session, error)
	ForceRefresh(ctx context.Context) (Session, error)
}

// ProviderConfig tunes refresh behaviour.
type ProviderConfig struct {
	MinRefresh  time.Duration // upstream refreshes are coalesced inside this window
	EventWindow time.Duration // camera history to request
	MaxEvents   int           // events kept per camera, newest win
	CachePath   string        // snapshot cache; empty disables it
}

// Provider owns the shared device state. Sensors read it through Device and
// the id collections and call Update on every poll; Update coalesces those
// calls into at most one upstream refresh per MinRefresh window.
type Provider struct {
	api     API
	tokens  Tokener
	store   *state.Store
	bus     *state.EventBus
	metrics *metrics.Metrics
	cfg     ProviderConfig
	log     *slog.Logger
	now     func() time.Time

	group singleflight.Group

	mu          sync.Mutex
	lastAttempt time.Time
	lastErr     error
}

// NewProvider creates a provider over store. m may be nil.
func NewProvider(api API, tokens Tokener, store *state.Store, bus *state.EventBus, m *metrics.Metrics, cfg ProviderConfig, log *slog.Logger) *Provider {
	return &Provider{
		api:     api,
		tokens:  tokens,
		store:   store,
		bus:     bus,
		metrics: m,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// Device returns the current record for id.
func (p *Provider) Device(id string) (state.Device, bool) { return p.store.Device(id) }

// TemperatureSensors returns the known temperature sensor ids.
func (p *Provider) TemperatureSensors() []string { return p.store.TemperatureSensors() }

// Protects returns the known Protect ids.
func (p *Provider) Protects() []string { return p.store.Protects() }

// Cameras returns the known camera ids.
func (p *Provider) Cameras() []string { return p.store.Cameras() }

// Store returns the backing state store.
func (p *Provider) Store() *state.Store { return p.store }

// Update refreshes the device state unless a refresh was attempted within the
// MinRefresh window, in which case that attempt's result is returned.
// Concurrent callers share a single in-flight refresh.
func (p *Provider) Update(ctx context.Context) error {
	if fresh, err := p.recent(); fresh {
		return err
	}
	return p.shared(ctx, false)
}

// Refresh forces an upstream refresh, still sharing any in-flight one.
func (p *Provider) Refresh(ctx context.Context) error {
	return p.shared(ctx, true)
}

// shared runs one refresh on behalf of every waiting caller. The refresh is
// detached from the caller that started it and bounded by refreshTimeout;
// each caller stops waiting when its own ctx is done.
func (p *Provider) shared(ctx context.Context, force bool) error {
	ch := p.group.DoChan("refresh", func() (any, error) {
		if !force {
			if fresh, err := p.recent(); fresh {
				return nil, err
			}
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return nil, p.refresh(rctx)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// LoadCache restores the last cached snapshot so sensors have values before
// the first refresh completes.
func (p *Provider) LoadCache() error {
	if p.cfg.CachePath == "" {
		return state.ErrNoSnapshot
	}
	snap, err := state.LoadSnapshot(p.cfg.CachePath)
	if err != nil {
		return err
	}
	p.store.Restore(snap)
	p.log.Info("restored cached device state", "devices", len(snap.Devices), "refreshed_at", snap.RefreshedAt)
	return nil
}

func (p *Provider) recent() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastAttempt.IsZero() || p.cfg.MinRefresh <= 0 {
		return false, nil
	}
	return p.now().Sub(p.lastAttempt) < p.cfg.MinRefresh, p.lastErr
}

func (p *Provider) refresh(ctx context.Context) error {
	start := p.now()
	err := p.fetchAndReplace(ctx)

	p.mu.Lock()
	p.lastAttempt = p.now()
	p.lastErr = err
	p.mu.Unlock()

	p.metrics.ObserveRefresh(p.now().Sub(start), err)
	if err != nil {
		p.log.Warn("nest refresh failed", "error", err)
		p.bus.Publish(state.Event{Type: state.EventRefreshFailed, Data: err.Error()})
	}
	return err
}

func (p *Provider) fetchAndReplace(ctx context.Context) error {
	sess, err := p.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("nest: refresh: session: %w", err)
	}

	devices, err := p.fetch(ctx, sess)
	if errors.Is(err, ErrUnauthorized) {
		p.log.Info("nest session rejected, logging in again")
		sess, err = p.tokens.ForceRefresh(ctx)
		if err != nil {
			return fmt.Errorf("nest: refresh: re-login: %w", err)
		}
		devices, err = p.fetch(ctx, sess)
	}
	if err != nil {
		return fmt.Errorf("nest: refresh: %w", err)
	}

	snap := state.NewSnapshot(devices, p.now())
	p.store.Replace(snap)
	p.log.Debug("nest refresh complete",
		"temperature_sensors", len(snap.TemperatureSensors),
		"protects", len(snap.Protects),
		"cameras", len(snap.Cameras),
	)

	if p.cfg.CachePath != "" {
		if err := state.SaveSnapshot(p.cfg.CachePath, snap); err != nil {
			p.log.Warn("failed to write snapshot cache", "path", p.cfg.CachePath, "error", err)
		}
	}
	return nil
}

func (p *Provider) fetch(ctx context.Context, sess Session) ([]state.Device, error) {
	devices, err := p.api.AppLaunch(ctx, sess)
	if err != nil {
		return nil, err
	}

	cams, err := p.api.Cameras(ctx, sess)
	if err != nil {
		return nil, err
	}

	since := p.now().Add(-p.cfg.EventWindow)
	for _, cam := range cams {
		dev := state.Device{
			ID:        cam.UUID,
			Name:      cam.Name,
			Kind:      state.KindCamera,
			UpdatedAt: p.now(),
		}

		events, err := p.api.CameraEvents(ctx, sess, cam, since)
		switch {
		case errors.Is(err, ErrUnauthorized):
			return nil, err
		case err != nil:
			// Keep the previous feed rather than blanking the sensor.
			p.log.Warn("camera events unavailable", "camera", cam.UUID, "error", err)
			if prev, ok := p.store.Device(cam.UUID); ok {
				events = prev.Events
			}
		}
		dev.Events = capEvents(events, p.cfg.MaxEvents)
		devices = append(devices, dev)
	}
	return devices, nil
}

// capEvents keeps the newest limit events of an oldest-first slice.
func capEvents(events []state.CameraEvent, limit int) []state.CameraEvent {
	if limit <= 0 || len(events) <= limit {
		return events
	}
	return append([]state.CameraEvent(nil), events[len(events)-limit:]...)
}
