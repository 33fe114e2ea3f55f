package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Hikari-project/FD-Reid/internal/geometry"
	"github.com/Hikari-project/FD-Reid/internal/models"
	"github.com/Hikari-project/FD-Reid/internal/observability"
)

var (
	ErrSourceRunning   = errors.New("source already running")
	ErrSourceNotFound  = errors.New("source not found")
	ErrNoSourceStarted = errors.New("no configured source started")
)

// Spec describes a source to start.
type Spec struct {
	ID       string
	URL      string
	FPS      int
	Zone     geometry.ZoneConfig
	ZoneFile string
}

// Factory builds the frame source and tracker for one camera. Trackers
// hold per-camera state and must not be shared between sources.
type Factory func(spec Spec) (FrameSource, Tracker, error)

type activeSource struct {
	src    *Source
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the lifecycle of every source in the process.
type Manager struct {
	deps    Deps
	factory Factory

	mu       sync.RWMutex
	sources  map[string]*activeSource
	starting map[string]struct{}
}

func NewManager(deps Deps, factory Factory) *Manager {
	return &Manager{
		deps:     deps,
		factory:  factory,
		sources:  make(map[string]*activeSource),
		starting: make(map[string]struct{}),
	}
}

// Start launches a source. A zone configuration error is returned
// synchronously and nothing is started.
func (m *Manager) Start(ctx context.Context, spec Spec) error {
	if spec.ZoneFile != "" {
		zone, err := geometry.LoadZoneFile(spec.ZoneFile)
		if err != nil {
			return err
		}
		spec.Zone = zone
	}

	if err := m.reserve(spec.ID); err != nil {
		return err
	}

	frames, tracker, err := m.factory(spec)
	if err != nil {
		m.unreserve(spec.ID)
		return fmt.Errorf("build source %s: %w", spec.ID, err)
	}
	src, err := NewSource(spec.ID, spec.URL, spec.Zone, frames, tracker, m.deps)
	if err != nil {
		m.unreserve(spec.ID)
		return err
	}

	srcCtx, cancel := context.WithCancel(ctx)
	as := &activeSource{src: src, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	delete(m.starting, spec.ID)
	m.sources[spec.ID] = as
	m.mu.Unlock()

	if spec.ZoneFile != "" {
		if err := src.WatchZoneFile(srcCtx, spec.ZoneFile); err != nil {
			slog.Warn("zone hot reload disabled", "camera", spec.ID, "error", err)
		}
	}

	observability.ActiveSources.Inc()
	slog.Info("starting source", "camera", spec.ID, "url", spec.URL, "fps", spec.FPS)

	go func() {
		defer close(as.done)
		defer observability.ActiveSources.Dec()
		if err := src.Run(srcCtx); err != nil {
			slog.Error("source stopped with error", "camera", spec.ID, "error", err)
			return
		}
		slog.Info("source stopped", "camera", spec.ID)
	}()
	return nil
}

// StartAll starts every configured source. Individual failures are
// logged; an error is returned only when specs is non-empty and none of
// them started.
func (m *Manager) StartAll(ctx context.Context, specs []Spec) error {
	var errs []error
	for _, spec := range specs {
		if err := m.Start(ctx, spec); err != nil {
			slog.Error("start configured source", "camera", spec.ID, "error", err)
			errs = append(errs, err)
		}
	}
	if len(specs) > 0 && len(errs) == len(specs) {
		return fmt.Errorf("%w: %w", ErrNoSourceStarted, errors.Join(errs...))
	}
	return nil
}

// reserve claims id for a start in progress. The claim and the running
// check share one critical section.
func (m *Manager) reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, pending := m.starting[id]; pending {
		return fmt.Errorf("%w: %s", ErrSourceRunning, id)
	}
	if as, exists := m.sources[id]; exists && !isDone(as.done) {
		return fmt.Errorf("%w: %s", ErrSourceRunning, id)
	}
	m.starting[id] = struct{}{}
	return nil
}

func (m *Manager) unreserve(id string) {
	m.mu.Lock()
	delete(m.starting, id)
	m.mu.Unlock()
}

// Stop cancels a source and waits for its teardown sweep.
func (m *Manager) Stop(id string) error {
	m.mu.RLock()
	as, exists := m.sources[id]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	as.cancel()
	<-as.done
	return nil
}

// SetZone applies a new zone configuration to a running source.
func (m *Manager) SetZone(id string, zone geometry.ZoneConfig) error {
	m.mu.RLock()
	as, exists := m.sources[id]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	return as.src.SetZone(zone)
}

// HandleCommand applies a control command received over the bus.
func (m *Manager) HandleCommand(ctx context.Context, cmd models.ControlCommand) error {
	switch cmd.Action {
	case models.ControlStart:
		spec := Spec{ID: cmd.SourceID, URL: cmd.URL, FPS: cmd.FPS, Zone: geometry.DefaultZone()}
		if cmd.Zone != nil {
			spec.Zone = *cmd.Zone
		}
		return m.Start(ctx, spec)
	case models.ControlStop:
		return m.Stop(cmd.SourceID)
	case models.ControlZone:
		if cmd.Zone == nil {
			return fmt.Errorf("%w: zone command without zone", geometry.ErrInvalidZone)
		}
		return m.SetZone(cmd.SourceID, *cmd.Zone)
	default:
		return fmt.Errorf("unknown action: %s", cmd.Action)
	}
}

// List reports every known source ordered by id.
func (m *Manager) List() []models.SourceInfo {
	m.mu.RLock()
	out := make([]models.SourceInfo, 0, len(m.sources))
	for _, as := range m.sources {
		out = append(out, as.src.Info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount returns the number of sources still running.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, as := range m.sources {
		if !isDone(as.done) {
			n++
		}
	}
	return n
}

// StopAll stops every source and waits for all teardown sweeps.
func (m *Manager) StopAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sources))
	for id := range m.sources {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.Stop(id)
	}
}

// ParseCommand decodes a control message.
func ParseCommand(data []byte) (models.ControlCommand, error) {
	var cmd models.ControlCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, fmt.Errorf("parse command: %w", err)
	}
	return cmd, nil
}

// ReplyCode maps a HandleCommand error to a control reply code.
func ReplyCode(err error) string {
	switch {
	case errors.Is(err, geometry.ErrInvalidZone):
		return models.ReplyBadRequest
	case errors.Is(err, ErrSourceNotFound):
		return models.ReplyNotFound
	case errors.Is(err, ErrSourceRunning):
		return models.ReplyConflict
	default:
		return models.ReplyFailed
	}
}

func isDone(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
