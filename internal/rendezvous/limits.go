package rendezvous

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sheerbytes/roomdrop/internal/config"
)

// Limits bounds what a single client can do to the server.
type Limits struct {
	MaxRooms        int
	MaxPeersPerRoom int
	MaxMessageBytes int
	ConnectsPerMin  int
	ConnectsBurst   int
	MsgsPerSec      int
	MsgsBurst       int
	IdleTimeout     time.Duration
}

// LimitsFromConfig maps server configuration onto Limits.
func LimitsFromConfig(cfg config.ServerConfig) Limits {
	return Limits{
		MaxRooms:        cfg.MaxRooms,
		MaxPeersPerRoom: cfg.MaxPeersPerRoom,
		MaxMessageBytes: cfg.MaxMessageBytes,
		ConnectsPerMin:  cfg.WSConnectsPerMin,
		ConnectsBurst:   cfg.WSConnectsBurst,
		MsgsPerSec:      cfg.WSMsgsPerSec,
		MsgsBurst:       cfg.WSMsgsBurst,
		IdleTimeout:     cfg.WSIdleTimeout,
	}
}

func (l Limits) messageBytes() int {
	if l.MaxMessageBytes <= 0 {
		return 64 * 1024
	}
	return l.MaxMessageBytes
}

// newMessageLimiter returns a per-connection limiter, or nil when unlimited.
func (l Limits) newMessageLimiter() *rate.Limiter {
	if l.MsgsPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(l.MsgsPerSec), max(l.MsgsBurst, 1))
}

// ipLimiter keeps one token bucket per client IP.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPLimiter(perMin, burst int) *ipLimiter {
	if perMin <= 0 {
		return nil
	}
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMin) / 60.0),
		burst:    max(burst, 1),
	}
}

func (l *ipLimiter) Allow(ip string) bool {
	if l == nil || ip == "" {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
