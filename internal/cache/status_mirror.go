// Package cache mirrors the engine's live status into Redis so external
// dashboards can read it without touching the trading process.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"aster-trading-bot/config"
	"aster-trading-bot/internal/logging"
	"aster-trading-bot/internal/orders"
)

const (
	keyEngineStatus = "engine:status"
	keySymbolState  = "engine:symbol:%s"
	keyLastTrade    = "engine:last_trade"

	statusTTL = 5 * time.Minute
)

// StatusMirror writes engine state to Redis with graceful degradation:
// after repeated failures writes are skipped until a successful ping, so
// a dead Redis never slows the trading loop down.
type StatusMirror struct {
	client *redis.Client
	log    *logging.Logger

	mu           sync.Mutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// NewStatusMirror connects to Redis. A failed initial connection returns
// the mirror in degraded mode rather than an error.
func NewStatusMirror(cfg config.RedisConfig) (*StatusMirror, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 1,
		MaxRetries:   2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	m := &StatusMirror{
		client:        client,
		log:           logging.Default().WithComponent("cache"),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		m.log.Warn("initial Redis connection failed, mirror degraded", "error", err)
		return m, nil
	}

	m.healthy = true
	m.lastCheck = time.Now()
	m.log.Info("Redis connected", "address", cfg.Address)
	return m, nil
}

// Healthy reports whether the mirror is currently writing.
func (m *StatusMirror) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

func (m *StatusMirror) available(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthy {
		return true
	}
	if time.Since(m.lastCheck) < m.checkInterval {
		return false
	}
	m.lastCheck = time.Now()
	if err := m.client.Ping(ctx).Err(); err != nil {
		return false
	}
	m.healthy = true
	m.failureCount = 0
	m.log.Info("Redis recovered, mirror writing again")
	return true
}

func (m *StatusMirror) recordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failureCount++
	if m.failureCount >= m.maxFailures && m.healthy {
		m.healthy = false
		m.lastCheck = time.Now()
		m.log.Warn("Redis marked unhealthy, mirror degraded", "failures", m.failureCount, "error", err)
	}
}

func (m *StatusMirror) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failureCount = 0
}

func (m *StatusMirror) set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if m == nil || !m.available(ctx) {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := m.client.Set(ctx, key, data, ttl).Err(); err != nil {
		m.recordFailure(err)
		return
	}
	m.recordSuccess()
}

// EngineStatus is the top-level engine snapshot mirrored to Redis.
type EngineStatus struct {
	Running       bool      `json:"running"`
	Simulated     bool      `json:"simulated"`
	Symbols       []string  `json:"symbols"`
	EntriesHalted bool      `json:"entries_halted"`
	HaltGate      string    `json:"halt_gate,omitempty"`
	Balance       float64   `json:"balance"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// WriteEngineStatus mirrors the engine snapshot.
func (m *StatusMirror) WriteEngineStatus(ctx context.Context, status EngineStatus) {
	m.set(ctx, keyEngineStatus, status, statusTTL)
}

// WriteSymbolStatus mirrors one symbol's lifecycle view.
func (m *StatusMirror) WriteSymbolStatus(ctx context.Context, status orders.SymbolStatus) {
	m.set(ctx, fmt.Sprintf(keySymbolState, status.Symbol), status, statusTTL)
}

// WriteLastTrade mirrors the most recently closed trade.
func (m *StatusMirror) WriteLastTrade(ctx context.Context, rec orders.TradeRecord) {
	m.set(ctx, keyLastTrade, rec, 24*time.Hour)
}

// Close releases the Redis connection.
func (m *StatusMirror) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}
