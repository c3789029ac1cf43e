// Package middleware provides the per-IP rate limiter the sender
// package's round-message HTTP endpoints sit behind, grounded on the
// reference tree's RateLimit/StartIPCleanup, restructured off global
// mutable state into a configurable, stoppable Limiter type.
package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// Limiter enforces a fixed request budget per client IP within a fixed
// window that starts at the first request after the previous window
// expired, and periodically forgets IPs that have gone quiet.
type Limiter struct {
	mu          sync.Mutex
	count       map[string]int
	lastReset   map[string]time.Time
	requestCap  int
	resetAfter  time.Duration
	forgetAfter time.Duration
	stopCh      chan struct{}
}

// NewLimiter builds a Limiter allowing requestCap requests per resetAfter
// window per IP. IPs idle for longer than 2*resetAfter are forgotten by
// the background cleanup loop started by Run.
func NewLimiter(requestCap int, resetAfter time.Duration) *Limiter {
	return &Limiter{
		count:       make(map[string]int),
		lastReset:   make(map[string]time.Time),
		requestCap:  requestCap,
		resetAfter:  resetAfter,
		forgetAfter: 2 * resetAfter,
		stopCh:      make(chan struct{}),
	}
}

// Handler wraps next with the rate-limit check.
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := r.RemoteAddr
		if idx := strings.LastIndex(clientIP, ":"); idx >= 0 {
			clientIP = clientIP[:idx]
		}

		l.mu.Lock()
		now := time.Now()
		if last, ok := l.lastReset[clientIP]; !ok || now.Sub(last) > l.resetAfter {
			l.count[clientIP] = 0
			l.lastReset[clientIP] = now
		}
		l.count[clientIP]++
		over := l.count[clientIP] > l.requestCap
		l.mu.Unlock()

		if over {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run starts the background cleanup loop until ctx-like stop via Stop.
func (l *Limiter) Run(cleanupInterval time.Duration) {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopCh:
				return
			case <-ticker.C:
				l.mu.Lock()
				now := time.Now()
				for ip, last := range l.lastReset {
					if now.Sub(last) > l.forgetAfter {
						delete(l.lastReset, ip)
						delete(l.count, ip)
					}
				}
				l.mu.Unlock()
			}
		}
	}()
}

// Stop ends the background cleanup loop started by Run.
func (l *Limiter) Stop() { close(l.stopCh) }
