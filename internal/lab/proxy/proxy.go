// Package proxy publishes externally reachable routes for session
// sub-services and reverse-proxies traffic to them.
package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/labdev/labdev/internal/common/config"
	"github.com/labdev/labdev/internal/common/logger"
	"github.com/labdev/labdev/internal/lab/runtime"
)

// Table is the route table behind the single reverse-proxy endpoint.
// Routes have the form {pathPrefix}/{sessionID}/{service}/.
type Table struct {
	routes map[string]map[string]*url.URL // sessionID -> service -> target
	mu     sync.RWMutex
	config config.ProxyConfig
	logger *logger.Logger
}

var _ runtime.Router = (*Table)(nil)

// NewTable creates an empty route table.
func NewTable(cfg config.ProxyConfig, log *logger.Logger) *Table {
	return &Table{
		routes: make(map[string]map[string]*url.URL),
		config: cfg,
		logger: log.WithFields(zap.String("component", "proxy")),
	}
}

// Register maps a sub-service target and returns the external route URL.
func (t *Table) Register(sessionID, service, target string) (string, error) {
	targetURL, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid target %q for %s/%s: %w", target, sessionID, service, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.routes[sessionID]; !ok {
		t.routes[sessionID] = make(map[string]*url.URL)
	}
	t.routes[sessionID][service] = targetURL

	route := fmt.Sprintf("%s%s/%s/%s/", t.config.ExternalHost, t.config.PathPrefix, sessionID, service)
	t.logger.Info("registered route",
		zap.String("session_id", sessionID),
		zap.String("service", service),
		zap.String("target", target))
	return route, nil
}

// Unregister removes every route for a session. Safe to call twice.
func (t *Table) Unregister(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.routes[sessionID]; !ok {
		return
	}
	delete(t.routes, sessionID)
	t.logger.Info("unregistered routes", zap.String("session_id", sessionID))
}

// Lookup returns the target for a session's sub-service.
func (t *Table) Lookup(sessionID, service string) (*url.URL, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	services, ok := t.routes[sessionID]
	if !ok {
		return nil, false
	}
	target, ok := services[service]
	return target, ok
}

// ServeHTTP proxies {pathPrefix}/{sessionID}/{service}/... to the
// registered target, stripping the route prefix.
func (t *Table) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, t.config.PathPrefix+"/")
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	sessionID, service := parts[0], parts[1]

	target, ok := t.Lookup(sessionID, service)
	if !ok {
		http.NotFound(w, r)
		return
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		t.logger.Warn("proxy error",
			zap.String("session_id", sessionID),
			zap.String("service", service),
			zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}

	// Rewrite the path so the sub-service sees paths relative to its root.
	r.URL.Path = "/"
	if len(parts) == 3 {
		r.URL.Path += parts[2]
	}
	rp.ServeHTTP(w, r)
}
