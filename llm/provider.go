package llm

import (
	"net/http"
	"sort"
	"sync"
)

// Provider adapts the client to one vendor's wire format. Implementations
// register themselves in an init func; importing the providers package is
// enough to make them available by name.
type Provider interface {
	// Name is the identifier used in configuration, e.g. "ollama".
	Name() string

	// Endpoint resolves the full completions URL. An empty base selects
	// the provider's default host.
	Endpoint(base string) string

	// Authenticate adds the provider's auth headers. apiKey may be empty
	// for local endpoints.
	Authenticate(req *http.Request, apiKey string)

	// Encode marshals a completion request into the provider's payload.
	Encode(model string, req Request) ([]byte, error)

	// Decode parses the provider's response body.
	Decode(body []byte) (*Response, error)
}

var (
	providersMu sync.RWMutex
	providers   = make(map[string]Provider)
)

// RegisterProvider makes p selectable by its Name. Later registrations
// with the same name win, which lets tests swap in a stub.
func RegisterProvider(p Provider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[p.Name()] = p
}

// GetProvider returns the provider registered under name, or nil.
func GetProvider(name string) Provider {
	providersMu.RLock()
	defer providersMu.RUnlock()
	return providers[name]
}

// ListProviders returns registered provider names in sorted order.
func ListProviders() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
