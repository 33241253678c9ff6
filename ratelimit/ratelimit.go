// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter limits connection attempts per remote IP address.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new IP-based rate limiter.
// r is connections per second, burst is the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from addr may proceed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	l.mu.Lock()
	entry, exists := l.limiters[ip]
	if !exists {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) cleanupStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// UserRateLimiter limits publish and poll requests per authenticated user.
// Anonymous requests share the empty-name bucket.
type UserRateLimiter struct {
	mu           sync.Mutex
	publish      map[string]*rate.Limiter
	poll         map[string]*rate.Limiter
	publishRate  rate.Limit
	publishBurst int
	pollRate     rate.Limit
	pollBurst    int
}

// NewUserRateLimiter creates a new per-user rate limiter.
func NewUserRateLimiter(publishRate float64, publishBurst int, pollRate float64, pollBurst int) *UserRateLimiter {
	return &UserRateLimiter{
		publish:      make(map[string]*rate.Limiter),
		poll:         make(map[string]*rate.Limiter),
		publishRate:  rate.Limit(publishRate),
		publishBurst: publishBurst,
		pollRate:     rate.Limit(pollRate),
		pollBurst:    pollBurst,
	}
}

// AllowPublish reports whether user may publish another message.
func (l *UserRateLimiter) AllowPublish(user string) bool {
	return l.limiter(l.publish, user, l.publishRate, l.publishBurst).Allow()
}

// AllowPoll reports whether user may poll again.
func (l *UserRateLimiter) AllowPoll(user string) bool {
	return l.limiter(l.poll, user, l.pollRate, l.pollBurst).Allow()
}

// Remove drops the limiters kept for user.
func (l *UserRateLimiter) Remove(user string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.publish, user)
	delete(l.poll, user)
}

func (l *UserRateLimiter) limiter(m map[string]*rate.Limiter, user string, r rate.Limit, burst int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := m[user]
	if !ok {
		limiter = rate.NewLimiter(r, burst)
		m[user] = limiter
	}
	return limiter
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Publish    RequestConfig    `yaml:"publish"`
	Poll       RequestConfig    `yaml:"poll"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // connections per second per IP
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for stale entries
}

// RequestConfig holds per-user request rate limiting settings.
type RequestConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // requests per second per user
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 connections per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Publish: RequestConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
		Poll: RequestConfig{
			Enabled: true,
			Rate:    500,
			Burst:   50,
		},
	}
}

// Manager coordinates all rate limiters. A nil *Manager allows everything.
type Manager struct {
	config   Config
	ip       *IPRateLimiter
	user     *UserRateLimiter
	disabled bool
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true, config: cfg}
	}

	var ip *IPRateLimiter
	var user *UserRateLimiter

	if cfg.Connection.Enabled {
		ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Publish.Enabled || cfg.Poll.Enabled {
		user = NewUserRateLimiter(cfg.Publish.Rate, cfg.Publish.Burst, cfg.Poll.Rate, cfg.Poll.Burst)
	}

	return &Manager{
		config: cfg,
		ip:     ip,
		user:   user,
	}
}

// Allow reports whether a new connection from addr may proceed.
func (m *Manager) Allow(addr net.Addr) bool {
	if m == nil || m.disabled || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowPublish reports whether user may publish.
func (m *Manager) AllowPublish(user string) bool {
	if m == nil || m.disabled || m.user == nil || !m.config.Publish.Enabled {
		return true
	}
	return m.user.AllowPublish(user)
}

// AllowPoll reports whether user may poll.
func (m *Manager) AllowPoll(user string) bool {
	if m == nil || m.disabled || m.user == nil || !m.config.Poll.Enabled {
		return true
	}
	return m.user.AllowPoll(user)
}

// Stop releases the background resources of the manager.
func (m *Manager) Stop() {
	if m != nil && m.ip != nil {
		m.ip.Stop()
	}
}
