package plugins

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// Capability is a named permission a plugin may request
type Capability string

const (
	CapReadProjects     Capability = "read:projects"
	CapWriteProjects    Capability = "write:projects"
	CapReadEvents       Capability = "read:events"
	CapPublishEvents    Capability = "publish:events"
	CapReadLogs         Capability = "read:logs"
	CapReadSystem       Capability = "read:system"
	CapNetworkHTTP      Capability = "network:http"
	CapNetworkWebSocket Capability = "network:websocket"
	CapStorageLocal     Capability = "storage:local"
	CapPluginMessaging  Capability = "plugin:messaging"

	// Admin capabilities guard host endpoints no plugin may call. They are never grantable.
	CapAdminRead  Capability = "admin:read"
	CapAdminWrite Capability = "admin:write"
)

// MaxPermissions is the number of capabilities above which a manifest is rejected
const MaxPermissions = 10

// vocabulary is the fixed set of grantable capabilities
var vocabulary = map[Capability]bool{
	CapReadProjects:     true,
	CapWriteProjects:    true,
	CapReadEvents:       true,
	CapPublishEvents:    true,
	CapReadLogs:         true,
	CapReadSystem:       true,
	CapNetworkHTTP:      true,
	CapNetworkWebSocket: true,
	CapStorageLocal:     true,
	CapPluginMessaging:  true,
}

// Vocabulary returns the grantable capabilities in sorted order
func Vocabulary() []Capability {
	caps := make([]Capability, 0, len(vocabulary))
	for c := range vocabulary {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// IsKnownCapability reports whether c belongs to the grantable vocabulary
func IsKnownCapability(c Capability) bool {
	return vocabulary[c]
}

// dangerousCombinations are capability pairs that together allow data to leave the host
var dangerousCombinations = [][2]Capability{
	{CapWriteProjects, CapPublishEvents},
	{CapReadLogs, CapNetworkHTTP},
}

// endpointRoute maps a host API prefix to the capabilities for reads and writes
type endpointRoute struct {
	prefix string
	read   Capability
	write  Capability
}

var endpointRoutes = []endpointRoute{
	{prefix: "/api/v1/projects", read: CapReadProjects, write: CapWriteProjects},
	{prefix: "/api/v1/events", read: CapReadEvents, write: CapPublishEvents},
	{prefix: "/api/v1/logs", read: CapReadLogs, write: CapAdminWrite},
	{prefix: "/api/v1/system", read: CapReadSystem, write: CapAdminWrite},
	{prefix: "/api/v1/messages", read: CapPluginMessaging, write: CapPluginMessaging},
}

func matchRoute(endpoint string) (endpointRoute, bool) {
	for _, r := range endpointRoutes {
		if endpoint == r.prefix || strings.HasPrefix(endpoint, r.prefix+"/") || strings.HasPrefix(endpoint, r.prefix+"?") {
			return r, true
		}
	}
	return endpointRoute{}, false
}

// RequiredCapability maps a host API call to the capability it needs.
// Endpoints outside the known routes require an admin capability and are therefore always denied.
func RequiredCapability(method, endpoint string) Capability {
	write := isWriteMethod(method)
	r, ok := matchRoute(endpoint)
	if !ok {
		if write {
			return CapAdminWrite
		}
		return CapAdminRead
	}
	if write {
		return r.write
	}
	return r.read
}

func isWriteMethod(method string) bool {
	switch strings.ToUpper(method) {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// endpointCovered reports whether the declared capabilities can reach a guarded endpoint
func endpointCovered(endpoint string, caps map[Capability]bool) bool {
	r, ok := matchRoute(endpoint)
	if !ok {
		return true
	}
	return caps[r.read] || caps[r.write]
}

// GrantSource loads persisted grants for the permission engine
type GrantSource interface {
	Get(ctx context.Context, id string) (*Record, error)
	Permissions(ctx context.Context, pluginID string) ([]Capability, error)
}

// grant is the cached view of a plugin's permissions
type grant struct {
	caps    map[Capability]bool
	origins []string
}

// PermissionEngine grants capabilities at install time and answers runtime checks
type PermissionEngine struct {
	source GrantSource
	cache  *lru.LRU[string, *grant]
	logger *logrus.Logger
}

// NewPermissionEngine creates a permission engine backed by source.
// Grants are cached for ttl; re-grants and uninstalls must call Invalidate.
func NewPermissionEngine(source GrantSource, cacheSize int, ttl time.Duration, logger *logrus.Logger) *PermissionEngine {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &PermissionEngine{
		source: source,
		cache:  lru.NewLRU[string, *grant](cacheSize, nil, ttl),
		logger: logger,
	}
}

// Grant computes the capability set for a validated manifest.
// Unknown capabilities are reported as manifest field errors and excluded from the result.
func (e *PermissionEngine) Grant(manifest *Manifest) ([]Capability, []ValidationError) {
	return GrantCapabilities(manifest)
}

// GrantCapabilities is the stateless form of PermissionEngine.Grant
func GrantCapabilities(manifest *Manifest) ([]Capability, []ValidationError) {
	var errs []ValidationError
	seen := make(map[Capability]bool)
	var caps []Capability

	for i, c := range manifest.Permissions {
		if !vocabulary[c] {
			errs = append(errs, ValidationError{
				Field:    fmt.Sprintf("permissions[%d]", i),
				Message:  fmt.Sprintf("Unknown permission: %s", c),
				Severity: severityError,
			})
			continue
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		caps = append(caps, c)
	}

	if len(caps) > MaxPermissions {
		errs = append(errs, ValidationError{
			Field:    "permissions",
			Message:  fmt.Sprintf("Plugin requests %d permissions, at most %d are allowed", len(caps), MaxPermissions),
			Severity: severityError,
		})
	}

	for _, combo := range dangerousCombinations {
		if seen[combo[0]] && seen[combo[1]] {
			errs = append(errs, ValidationError{
				Field:    "permissions",
				Message:  fmt.Sprintf("Combination of %s and %s allows data to leave the dashboard", combo[0], combo[1]),
				Severity: severityWarning,
			})
		}
	}

	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps, errs
}

// Check reports whether the plugin holds the capability. Lookup failures deny.
func (e *PermissionEngine) Check(ctx context.Context, pluginID string, c Capability) bool {
	g, err := e.load(ctx, pluginID)
	if err != nil {
		e.logger.Warnf("Permission lookup for %s failed, denying %s: %v", pluginID, c, err)
		return false
	}
	return g.caps[c]
}

// OriginAllowed reports whether the plugin declared the origin of rawURL in allowed_origins
func (e *PermissionEngine) OriginAllowed(ctx context.Context, pluginID, rawURL string) bool {
	g, err := e.load(ctx, pluginID)
	if err != nil {
		e.logger.Warnf("Origin lookup for %s failed, denying %s: %v", pluginID, rawURL, err)
		return false
	}
	return OriginInList(rawURL, g.origins)
}

// Invalidate drops the cached grant of a plugin
func (e *PermissionEngine) Invalidate(pluginID string) {
	e.cache.Remove(pluginID)
}

func (e *PermissionEngine) load(ctx context.Context, pluginID string) (*grant, error) {
	if g, ok := e.cache.Get(pluginID); ok {
		return g, nil
	}

	caps, err := e.source.Permissions(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	g := &grant{caps: make(map[Capability]bool, len(caps))}
	for _, c := range caps {
		g.caps[c] = true
	}

	rec, err := e.source.Get(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	if rec.Manifest != nil {
		g.origins = rec.Manifest.AllowedOrigins
	}

	e.cache.Add(pluginID, g)
	return g, nil
}

// OriginInList reports whether the scheme and host of rawURL match one of the origins
func OriginInList(rawURL string, origins []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	for _, o := range origins {
		ou, err := url.Parse(o)
		if err != nil {
			continue
		}
		if webScheme(ou.Scheme) == webScheme(u.Scheme) && strings.EqualFold(ou.Host, u.Host) {
			return true
		}
	}
	return false
}

// webScheme folds websocket schemes onto their HTTP equivalents
func webScheme(s string) string {
	switch s = strings.ToLower(s); s {
	case "wss":
		return "https"
	case "ws":
		return "http"
	}
	return s
}
