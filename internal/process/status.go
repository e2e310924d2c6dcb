package process

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/junocash/jmined/pkg/log"
)

// statusCacheTTL bounds how often the sidecar's stats endpoint is hit no
// matter how often callers ask.
const statusCacheTTL = 5 * time.Second

// PoolStatus is a point-in-time view of the p2pool sidecar's statistics.
// Connected is false whenever the stats endpoint cannot be reached or does
// not parse; the numeric fields are then zero.
type PoolStatus struct {
	Connected          bool    `json:"connected"`
	ConnectedMiners    int     `json:"connected_miners"`
	TotalShares        int64   `json:"total_shares"`
	PoolHashrate       float64 `json:"pool_hashrate"`
	ShareDifficulty    int64   `json:"share_difficulty"`
	LastShareTimestamp int64   `json:"last_share_timestamp"`
	NetworkDifficulty  int64   `json:"network_difficulty"`
	EffortPercent      float64 `json:"effort_percent"`
}

// StatusMonitor polls the sidecar's HTTP stats endpoint and caches the
// result, so RPC traffic and readiness checks share one fetch.
type StatusMonitor struct {
	statsURL   string
	httpClient *http.Client
	logger     *log.Logger
	now        func() time.Time

	mu         sync.Mutex
	cached     PoolStatus
	lastUpdate time.Time
}

// NewStatusMonitor creates a monitor for the sidecar behind the given
// stratum listen address.
func NewStatusMonitor(stratumAddr string, logger *log.Logger) *StatusMonitor {
	return &StatusMonitor{
		statsURL:   statsURL(stratumAddr),
		httpClient: &http.Client{Timeout: 3 * time.Second},
		logger:     logger.WithComponent("p2pool_status"),
		now:        time.Now,
	}
}

// GetStatus returns the sidecar's statistics, served from cache when the
// last fetch is recent enough.
func (m *StatusMonitor) GetStatus(ctx context.Context) PoolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.now().Sub(m.lastUpdate) < statusCacheTTL {
		return m.cached
	}
	m.cached = m.fetch(ctx)
	m.lastUpdate = m.now()
	return m.cached
}

// Refresh fetches fresh statistics, bypassing the cache.
func (m *StatusMonitor) Refresh(ctx context.Context) PoolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cached = m.fetch(ctx)
	m.lastUpdate = m.now()
	return m.cached
}

// IsReady reports whether the sidecar answers its stats endpoint and is
// therefore ready to hand out work.
func (m *StatusMonitor) IsReady(ctx context.Context) bool {
	return m.GetStatus(ctx).Connected
}

func (m *StatusMonitor) fetch(ctx context.Context) PoolStatus {
	var status PoolStatus

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return status
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return status
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return status
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		m.logger.Debug("p2pool stats response does not decode", "error", err.Error())
		return status
	}

	status.Connected = true

	// Field names vary across p2pool builds; try the known spellings.
	if n, ok := numField(raw, "connections"); ok {
		status.ConnectedMiners = int(n)
	} else if inner, ok := objField(raw, "connections"); ok {
		if n, ok := numField(inner, "incoming"); ok {
			status.ConnectedMiners = int(n)
		}
	}
	if n, ok := numField(raw, "shares_found"); ok {
		status.TotalShares = int64(n)
	}
	if n, ok := numField(raw, "pool_hashrate"); ok {
		status.PoolHashrate = n
	} else if n, ok := numField(raw, "hashrate"); ok {
		status.PoolHashrate = n
	}
	if n, ok := numField(raw, "current_share_diff"); ok {
		status.ShareDifficulty = int64(n)
	} else if n, ok := numField(raw, "sidechain_difficulty"); ok {
		status.ShareDifficulty = int64(n)
	}
	if n, ok := numField(raw, "last_share_timestamp"); ok {
		status.LastShareTimestamp = int64(n)
	}
	if n, ok := numField(raw, "network_difficulty"); ok {
		status.NetworkDifficulty = int64(n)
	} else if n, ok := numField(raw, "mainchain_difficulty"); ok {
		status.NetworkDifficulty = int64(n)
	}
	if n, ok := numField(raw, "pool_effort"); ok {
		status.EffortPercent = n
	}
	if status.ConnectedMiners == 0 {
		if stratum, ok := objField(raw, "stratum"); ok {
			if n, ok := numField(stratum, "connections"); ok {
				status.ConnectedMiners = int(n)
			}
		}
	}

	return status
}

func numField(raw map[string]json.RawMessage, key string) (float64, bool) {
	v, ok := raw[key]
	if !ok {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0, false
	}
	return f, true
}

func objField(raw map[string]json.RawMessage, key string) (map[string]json.RawMessage, bool) {
	v, ok := raw[key]
	if !ok {
		return nil, false
	}
	var inner map[string]json.RawMessage
	if err := json.Unmarshal(v, &inner); err != nil {
		return nil, false
	}
	return inner, true
}
