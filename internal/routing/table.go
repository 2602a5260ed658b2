package routing

import (
	"sort"
	"strings"
	"sync"

	"github.com/kalambet/chatdesk/internal/chat"
)

// Route binds a user-facing model name to the backend that serves it.
type Route struct {
	Name         string     `json:"name"`
	BackendID    string     `json:"backend_id"`
	Endpoint     string     `json:"endpoint"`
	Shape        chat.Shape `json:"-"`
	RequiresAuth bool       `json:"requires_auth"`
}

// Table maps display names to routes. Lookups for unknown names fall back
// to an identity-mapped route on the remote router.
type Table struct {
	remoteEndpoint string

	mu     sync.RWMutex
	routes map[string]Route
	order  []string
}

// NewTable creates an empty table whose fallback routes point at
// remoteBaseURL.
func NewTable(remoteBaseURL string) *Table {
	return &Table{
		remoteEndpoint: RemoteEndpoint(remoteBaseURL),
		routes:         make(map[string]Route),
	}
}

// DefaultTable returns the built-in model catalogue.
func DefaultTable(localBaseURL, remoteBaseURL string) *Table {
	t := NewTable(remoteBaseURL)
	t.AddRemote("deepseek-chat", "deepseek/deepseek-r1:free")
	t.AddRemote("deepseek-coder", "deepseek/deepseek-coder:33b")
	t.AddRemote("deepseek-math", "deepseek/deepseek-math:7b")
	t.Add(Route{
		Name:      "gemma-2b",
		BackendID: "gemma:2b",
		Endpoint:  GenerateEndpoint(localBaseURL),
		Shape:     chat.ShapeGenerate,
	})
	return t
}

// RemoteEndpoint returns the chat-completions URL under a router base URL.
func RemoteEndpoint(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/chat/completions"
}

// GenerateEndpoint returns the generate URL of a local runtime.
func GenerateEndpoint(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/api/generate"
}

// LocalChatEndpoint returns the chat URL of a local runtime.
func LocalChatEndpoint(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/api/chat"
}

// Add inserts or replaces a route.
func (t *Table) Add(r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.routes[r.Name]; !ok {
		t.order = append(t.order, r.Name)
	}
	t.routes[r.Name] = r
}

// AddRemote registers a model served by the remote router.
func (t *Table) AddRemote(name, backendID string) {
	if backendID == "" {
		backendID = name
	}
	t.Add(Route{
		Name:         name,
		BackendID:    backendID,
		Endpoint:     t.remoteEndpoint,
		Shape:        chat.ShapeChatCompletions,
		RequiresAuth: true,
	})
}

// Remove deletes a route. Built-in names can be removed too.
func (t *Table) Remove(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.routes[name]; !ok {
		return false
	}
	delete(t.routes, name)
	for i, n := range t.order {
		if n == name {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// Resolve returns the route for a display name. Unknown names map to
// themselves on the remote router.
func (t *Table) Resolve(name string) Route {
	t.mu.RLock()
	r, ok := t.routes[name]
	t.mu.RUnlock()
	if ok {
		return r
	}
	return Route{
		Name:         name,
		BackendID:    name,
		Endpoint:     t.remoteEndpoint,
		Shape:        chat.ShapeChatCompletions,
		RequiresAuth: true,
	}
}

// Has reports whether name has an explicit route.
func (t *Table) Has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.routes[name]
	return ok
}

// Names returns the display names in insertion order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

// Routes returns every route in insertion order.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, len(t.order))
	for i, n := range t.order {
		out[i] = t.routes[n]
	}
	return out
}

// LocalBackendIDs returns the sorted, de-duplicated backend ids of all
// local routes.
func (t *Table) LocalBackendIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, r := range t.Routes() {
		if r.Shape.Local() && !seen[r.BackendID] {
			seen[r.BackendID] = true
			ids = append(ids, r.BackendID)
		}
	}
	sort.Strings(ids)
	return ids
}
