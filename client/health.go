package client

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultHealthInterval is the default poll cadence.
const DefaultHealthInterval = 30 * time.Second

// Health is one observation of the engine's state. The zero value means
// no successful observation yet: not connected, not indexed.
type Health struct {
	Connected    bool
	Indexed      bool
	NumDocuments int
}

// healthResponse mirrors the server's /health body.
type healthResponse struct {
	Status       string `json:"status"`
	Indexed      bool   `json:"indexed"`
	NumDocuments int    `json:"num_documents"`
}

// HealthMonitor polls /health on a fixed interval and serves the last
// observation. Start and Stop bound the poller's lifetime; Snapshot
// never touches the network.
type HealthMonitor struct {
	baseURL  string
	client   *http.Client
	interval time.Duration

	mu     sync.Mutex
	state  Health
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(baseURL string, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	return &HealthMonitor{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: interval,
	}
}

// Start launches the poller. It polls once right away so a gate checked
// shortly after Start sees a real observation, then on every tick.
// Starting a running monitor is a no-op.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
}

// Stop halts the poller and waits for it to exit. Stopping a stopped
// monitor is a no-op.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Snapshot returns the most recent observation.
func (m *HealthMonitor) Snapshot() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *HealthMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.observe(m.poll(ctx))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.observe(m.poll(ctx))
		}
	}
}

func (m *HealthMonitor) observe(h Health) {
	m.mu.Lock()
	m.state = h
	m.mu.Unlock()
}

// poll reports a disconnected zero state on any failure; the monitor
// only ever serves what it has actually observed.
func (m *HealthMonitor) poll(ctx context.Context) Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/health", nil)
	if err != nil {
		return Health{}
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return Health{}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Health{}
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Health{}
	}
	return Health{
		Connected:    true,
		Indexed:      body.Indexed,
		NumDocuments: body.NumDocuments,
	}
}
