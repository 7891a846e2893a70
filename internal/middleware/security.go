package middleware

import (
	"log"
	"net"
	"net/http"
	"net/netip"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter implements token bucket rate limiting per IP
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
}

// NewRateLimiter creates a limiter allowing limit requests per second per IP
func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// GetLimiter gets or creates a limiter for an IP address
func (rl *RateLimiter) GetLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, exists := rl.limiters[ip]; exists {
		return limiter
	}

	limiter := rate.NewLimiter(rl.limit, rl.burst)
	rl.limiters[ip] = limiter
	return limiter
}

// RateLimitMiddleware enforces rate limiting per IP
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiter.GetLimiter(ip).Allow() {
			log.Printf("[HTTP] Rate limit exceeded for IP: %s", ip)
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": 1,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// SecurityHeadersMiddleware adds security headers to all responses
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Content-Security-Policy", "default-src 'none'")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// IPWhitelist restricts access to a fixed set of client addresses. Entries
// are single IPs or CIDR prefixes. It is read-only after construction.
type IPWhitelist struct {
	prefixes   []netip.Prefix
	restricted bool
}

// NewIPWhitelist creates a new IP whitelist. Entries that are neither an IP
// nor a CIDR prefix are logged and ignored.
func NewIPWhitelist(entries []string) *IPWhitelist {
	wl := &IPWhitelist{restricted: len(entries) > 0}
	for _, entry := range entries {
		if p, err := netip.ParsePrefix(entry); err == nil {
			wl.prefixes = append(wl.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			log.Printf("[HTTP] Ignoring invalid allow-list entry %q", entry)
			continue
		}
		addr = addr.Unmap()
		wl.prefixes = append(wl.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return wl
}

// IsAllowed checks if an IP is whitelisted. Loopback clients are always
// allowed, and an empty whitelist allows everyone.
func (wl *IPWhitelist) IsAllowed(ip string) bool {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	if addr.IsLoopback() || !wl.restricted {
		return true
	}
	for _, p := range wl.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IPWhitelistMiddleware enforces IP whitelisting
func IPWhitelistMiddleware(whitelist *IPWhitelist) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !whitelist.IsAllowed(ip) {
			log.Printf("[HTTP] Access denied for non-whitelisted IP: %s", ip)
			c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
			c.Abort()
			return
		}
		c.Next()
	}
}
