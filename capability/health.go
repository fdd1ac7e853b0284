package capability

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/telemetry"
)

const probeTimeout = 5 * time.Second

// HealthMonitor probes the HTTP endpoints of active records on an
// interval. A record is downgraded to unhealthy after failThreshold
// consecutive probe failures and restored on the first success. Probe
// streaks persist on the record itself, so a monitor restart does not
// reset them.
type HealthMonitor struct {
	registry      Registry
	interval      time.Duration
	failThreshold int
	client        *http.Client
	logger        core.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthMonitor creates a monitor from the capability config section.
func NewHealthMonitor(registry Registry, cfg core.CapabilityConfig, logger core.Logger) *HealthMonitor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("aard/capability")
	}
	interval := cfg.HealthInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	threshold := cfg.HealthFailThreshold
	if threshold <= 0 {
		threshold = 3
	}
	return &HealthMonitor{
		registry:      registry,
		interval:      interval,
		failThreshold: threshold,
		client:        &http.Client{Timeout: probeTimeout},
		logger:        logger,
	}
}

// Start launches the probe loop. Calling Start on a running monitor is a
// no-op.
func (m *HealthMonitor) Start(ctx context.Context) {
	if m.done != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	m.logger.Info("Health monitor started", map[string]interface{}{
		"operation":      "health_monitor_start",
		"interval":       m.interval.String(),
		"fail_threshold": m.failThreshold,
	})
	go m.run(ctx)
}

// Stop halts the loop and waits for in-flight probes to finish.
func (m *HealthMonitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
}

func (m *HealthMonitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep probes every active record with an endpoint, in parallel.
func (m *HealthMonitor) sweep(ctx context.Context) {
	records, err := m.registry.List(ctx, Filter{Status: StatusActive})
	if err != nil {
		m.logger.Error("Health sweep failed to list capabilities", map[string]interface{}{
			"operation": "health_sweep",
			"error":     err.Error(),
		})
		return
	}

	var wg sync.WaitGroup
	for _, rec := range records {
		if rec.Endpoint == "" {
			continue
		}
		wg.Add(1)
		go func(rec *Record) {
			defer wg.Done()
			m.probe(ctx, rec)
		}(rec)
	}
	wg.Wait()
}

// probe checks one record and persists the resulting health state.
func (m *HealthMonitor) probe(ctx context.Context, rec *Record) {
	healthy := m.check(ctx, rec.Endpoint)

	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	telemetry.Counter("aard.capability.probes", "type", string(rec.Type), "result", result)

	if healthy {
		if rec.Health == HealthHealthy && rec.ConsecutiveFails == 0 {
			return
		}
		if rec.Health == HealthUnhealthy {
			m.logger.Info("Capability recovered", map[string]interface{}{
				"operation":     "health_probe",
				"capability_id": rec.ID,
				"name":          rec.Name,
			})
		}
		if err := m.registry.UpdateHealth(ctx, rec.ID, HealthHealthy, 0); err != nil {
			m.warnUpdate(rec, err)
		}
		return
	}

	fails := rec.ConsecutiveFails + 1
	health := rec.Health
	if fails >= m.failThreshold && health != HealthUnhealthy {
		health = HealthUnhealthy
		m.logger.Warn("Capability downgraded to unhealthy", map[string]interface{}{
			"operation":         "health_probe",
			"capability_id":     rec.ID,
			"name":              rec.Name,
			"consecutive_fails": fails,
		})
	}
	if err := m.registry.UpdateHealth(ctx, rec.ID, health, fails); err != nil {
		m.warnUpdate(rec, err)
	}
}

func (m *HealthMonitor) warnUpdate(rec *Record, err error) {
	m.logger.Warn("Failed to persist probe result", map[string]interface{}{
		"operation":     "health_probe",
		"capability_id": rec.ID,
		"error":         err.Error(),
	})
}

// check performs the HTTP probe. Any 2xx from the health path counts.
func (m *HealthMonitor) check(ctx context.Context, endpoint string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(endpoint), nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// healthURL appends the standard health path unless the endpoint already
// names one.
func healthURL(endpoint string) string {
	trimmed := strings.TrimRight(endpoint, "/")
	if strings.HasSuffix(trimmed, "/health") {
		return trimmed
	}
	return trimmed + "/health"
}
