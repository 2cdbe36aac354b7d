package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Bridge-Gate/Bridgegate/internal/domain/session"
	"github.com/Bridge-Gate/Bridgegate/internal/service"
)

// Response is the JSON document served at /health.
type Response struct {
	Status        string         `json:"status"` // "healthy" or "unhealthy"
	UptimeSeconds int64          `json:"uptime_seconds"`
	Sessions      map[string]int `json:"sessions"`
	Limits        map[string]int `json:"limits"`
	AuthEnabled   bool           `json:"auth_enabled"`
	Version       string         `json:"version,omitempty"`
}

// Checker assembles the health document from the live components.
type Checker struct {
	version     string
	authEnabled bool
	audit       *service.AuditService
	started     time.Time

	mu        sync.Mutex
	listeners map[string]session.Registry
}

// NewChecker creates a Checker. The audit service is optional; pass nil
// when audit backpressure should not affect health.
func NewChecker(version string, authEnabled bool, auditSvc *service.AuditService) *Checker {
	return &Checker{
		version:     version,
		authEnabled: authEnabled,
		audit:       auditSvc,
		started:     time.Now(),
		listeners:   make(map[string]session.Registry),
	}
}

// AddListener registers a listener's session registry under its name.
func (c *Checker) AddListener(name string, reg session.Registry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[name] = reg
}

// Check assembles the current health document.
func (c *Checker) Check() Response {
	sessions := make(map[string]int)
	limits := make(map[string]int)
	c.mu.Lock()
	for name, reg := range c.listeners {
		sessions[name] = reg.Count()
		limits[name] = reg.Capacity()
	}
	c.mu.Unlock()

	status := "healthy"
	if c.audit != nil && c.audit.ChannelCapacity() > 0 {
		// >90% full is unhealthy - the audit pipeline is about to shed
		// events under backpressure.
		depth := c.audit.ChannelDepth()
		if depth*100/c.audit.ChannelCapacity() > 90 {
			status = "unhealthy"
		}
	}

	return Response{
		Status:        status,
		UptimeSeconds: int64(time.Since(c.started).Seconds()),
		Sessions:      sessions,
		Limits:        limits,
		AuthEnabled:   c.authEnabled,
		Version:       c.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := c.Check()

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
}
