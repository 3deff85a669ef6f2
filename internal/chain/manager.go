package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"feescan/internal/model"
)

// Endpoint is one RPC provider for a chain. Endpoint lists are ordered by
// Priority (lower first) and immutable after the Manager is built.
type Endpoint struct {
	Name     string
	URL      string
	Priority int
}

// DialFunc opens a connection to an endpoint URL.
type DialFunc func(ctx context.Context, url string) (RPC, error)

// ManagerConfig tunes endpoint behavior.
type ManagerConfig struct {
	// RPCTimeout bounds each individual call, not a chunk or a run.
	RPCTimeout time.Duration
	// RequestsPerSecond paces calls per endpoint; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// Manager holds the ordered endpoint lists and runs operations with
// priority-ordered fallback. Demotion lasts for the current call only:
// every top-level invocation starts again from the highest-priority
// endpoint, since rate limits are transient.
type Manager struct {
	cfg       ManagerConfig
	endpoints map[uint64][]Endpoint
	dial      DialFunc
	logger    *zap.Logger

	mu       sync.Mutex
	clients  map[string]RPC
	limiters map[string]*rate.Limiter
}

// NewManager builds a Manager from per-chain endpoint lists.
func NewManager(cfg ManagerConfig, endpoints map[uint64][]Endpoint, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 30 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	sorted := make(map[uint64][]Endpoint, len(endpoints))
	for chainID, list := range endpoints {
		ordered := make([]Endpoint, len(list))
		copy(ordered, list)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Priority < ordered[j].Priority
		})
		sorted[chainID] = ordered
	}

	return &Manager{
		cfg:       cfg,
		endpoints: sorted,
		dial: func(ctx context.Context, url string) (RPC, error) {
			return NewClient(ctx, url)
		},
		logger:   logger,
		clients:  make(map[string]RPC),
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetDial replaces the dial function. Used by tests.
func (m *Manager) SetDial(dial DialFunc) {
	m.dial = dial
}

// Endpoints returns the ordered endpoint list for a chain.
func (m *Manager) Endpoints(chainID uint64) []Endpoint {
	return m.endpoints[chainID]
}

// Close closes every open connection.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for url, client := range m.clients {
		client.Close()
		delete(m.clients, url)
	}
}

// GetConnection returns the first endpoint that answers a liveness probe.
func (m *Manager) GetConnection(ctx context.Context, chainID uint64) (RPC, error) {
	list := m.endpoints[chainID]
	if len(list) == 0 {
		return nil, &model.ConfigurationError{
			Subject: fmt.Sprintf("chain %d", chainID),
			Err:     errors.New("no endpoints configured"),
		}
	}

	var lastErr error
	for _, ep := range list {
		client, err := m.connect(ctx, ep)
		if err != nil {
			lastErr = err
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.RPCTimeout)
		_, err = client.LatestBlockNumber(probeCtx)
		cancel()
		if err != nil {
			m.logger.Warn("endpoint probe failed",
				zap.Uint64("chain_id", chainID),
				zap.String("endpoint", ep.Name),
				zap.Error(err),
			)
			lastErr = err
			continue
		}
		return client, nil
	}

	return nil, fmt.Errorf("%w: chain %d: %v", model.ErrNoHealthyEndpoint, chainID, lastErr)
}

// ExecuteWithFallback runs op against the chain's endpoints in priority
// order. A transient failure demotes the current endpoint and moves to the
// next; at most len(endpoints) attempts are made. Non-transient errors
// surface immediately.
func (m *Manager) ExecuteWithFallback(ctx context.Context, chainID uint64, op func(ctx context.Context, client RPC) error) error {
	list := m.endpoints[chainID]
	if len(list) == 0 {
		return &model.ConfigurationError{
			Subject: fmt.Sprintf("chain %d", chainID),
			Err:     errors.New("no endpoints configured"),
		}
	}

	var lastErr error
	for _, ep := range list {
		if err := ctx.Err(); err != nil {
			return err
		}

		if limiter := m.limiter(ep.URL); limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		client, err := m.connect(ctx, ep)
		if err != nil {
			m.logger.Warn("endpoint dial failed",
				zap.Uint64("chain_id", chainID),
				zap.String("endpoint", ep.Name),
				zap.Error(err),
			)
			lastErr = &model.TransientEndpointError{Endpoint: ep.Name, Err: err}
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.RPCTimeout)
		err = op(callCtx, client)
		cancel()
		if err == nil {
			return nil
		}

		if !retryable(err) {
			return err
		}

		m.logger.Warn("endpoint demoted",
			zap.Uint64("chain_id", chainID),
			zap.String("endpoint", ep.Name),
			zap.Error(err),
		)
		lastErr = &model.TransientEndpointError{Endpoint: ep.Name, Err: err}
		m.drop(ep.URL)
	}

	return fmt.Errorf("%w: chain %d: %v", model.ErrNoHealthyEndpoint, chainID, lastErr)
}

func (m *Manager) connect(ctx context.Context, ep Endpoint) (RPC, error) {
	m.mu.Lock()
	client, ok := m.clients[ep.URL]
	m.mu.Unlock()
	if ok {
		return client, nil
	}

	client, err := m.dial(ctx, ep.URL)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.clients[ep.URL]; ok {
		m.mu.Unlock()
		client.Close()
		return existing, nil
	}
	m.clients[ep.URL] = client
	m.mu.Unlock()
	return client, nil
}

func (m *Manager) drop(url string) {
	m.mu.Lock()
	client, ok := m.clients[url]
	if ok {
		delete(m.clients, url)
	}
	m.mu.Unlock()
	if ok {
		client.Close()
	}
}

func (m *Manager) limiter(url string) *rate.Limiter {
	if m.cfg.RequestsPerSecond <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	limiter, ok := m.limiters[url]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(m.cfg.RequestsPerSecond), m.cfg.Burst)
		m.limiters[url] = limiter
	}
	return limiter
}

// retryable classifies an error as a transient endpoint failure: rate
// limits, timeouts, and transport-level 4xx/5xx responses.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if model.IsTransient(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 400
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit",
		"too many requests",
		"429",
		"502",
		"503",
		"timeout",
		"connection refused",
		"connection reset",
		"eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
