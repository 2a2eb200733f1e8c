package network

import (
	"sync"
	"time"
)

type connectEntry struct {
	lastAttempt  time.Time
	count        int
	blockedUntil time.Time
}

// ConnectLimiter blocks addresses that open connections too quickly. Its
// Allow method is meant to be used as a ServicePort AcceptFilter.
type ConnectLimiter struct {
	mu           sync.Mutex
	maxPerSecond int
	blockTime    time.Duration
	entries      map[string]*connectEntry
	now          func() time.Time
}

// NewConnectLimiter allows up to maxPerSecond connections from one address
// in quick succession and then refuses that address for blockTime
func NewConnectLimiter(maxPerSecond int, blockTime time.Duration) *ConnectLimiter {
	return &ConnectLimiter{
		maxPerSecond: maxPerSecond,
		blockTime:    blockTime,
		entries:      make(map[string]*connectEntry),
		now:          time.Now,
	}
}

// Allow records a connection attempt from ip and reports whether it may proceed
func (l *ConnectLimiter) Allow(ip string) bool {
	if ip == "" {
		return false
	}
	if l.maxPerSecond <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[ip]
	if !ok {
		l.entries[ip] = &connectEntry{lastAttempt: now, count: 1}
		return true
	}

	if now.Before(e.blockedUntil) {
		return false
	}

	if now.Sub(e.lastAttempt) < time.Second {
		e.count++
		if e.count > l.maxPerSecond {
			e.count = 0
			e.blockedUntil = now.Add(l.blockTime)
			e.lastAttempt = now
			return false
		}
	} else {
		e.count = 1
	}
	e.lastAttempt = now
	return true
}

// Blocked reports whether ip is currently refused
func (l *ConnectLimiter) Blocked(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[ip]
	return ok && l.now().Before(e.blockedUntil)
}

// Prune forgets addresses that are neither blocked nor recently seen and
// returns how many were dropped
func (l *ConnectLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	dropped := 0
	for ip, e := range l.entries {
		if now.Before(e.blockedUntil) || now.Sub(e.lastAttempt) < time.Second {
			continue
		}
		delete(l.entries, ip)
		dropped++
	}
	return dropped
}

// Len returns the number of tracked addresses
func (l *ConnectLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
