// Package views knows which dashboard views depend on campaign revenue and
// invalidates all of them after a revenue source is saved.
package views

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"marketpulse/internal/models"
)

// Platform contexts. Every context also covers the overview views.
const (
	ContextOverview   = "overview"
	ContextHubSpot    = "hubspot"
	ContextSalesforce = "salesforce"
	ContextShopify    = "shopify"
	ContextGA4        = "ga4"
	ContextSheets     = "sheets"
)

var defaultViews = map[string][]string{
	ContextOverview:   {"campaign-overview", "revenue-totals", "revenue-sources", "roi-summary"},
	ContextHubSpot:    {"kpi-hubspot", "hubspot-deals"},
	ContextSalesforce: {"kpi-salesforce", "salesforce-opportunities"},
	ContextShopify:    {"kpi-shopify", "shopify-orders"},
	ContextGA4:        {"kpi-ga4", "ga4-conversions"},
	ContextSheets:     {"kpi-sheets"},
}

// Registry maps a platform context to the view keys that must be refreshed
// when revenue for that context changes.
type Registry struct {
	contexts map[string][]string
}

type registryFile struct {
	Contexts map[string][]string `yaml:"contexts"`
}

func DefaultRegistry() *Registry {
	r := &Registry{contexts: make(map[string][]string, len(defaultViews))}
	for k, v := range defaultViews {
		r.contexts[k] = append([]string(nil), v...)
	}
	return r
}

// LoadRegistry starts from the defaults and replaces every context named in
// the YAML file at path. An empty path returns the defaults.
func LoadRegistry(path string) (*Registry, error) {
	r := DefaultRegistry()
	if path == "" {
		return r, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read views registry: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse views registry %s: %w", path, err)
	}
	for ctx, keys := range file.Contexts {
		r.contexts[ctx] = models.SortedSet(keys)
	}
	return r, nil
}

// Views returns the sorted, de-duplicated keys affected in platformContext,
// always including the overview views.
func (r *Registry) Views(platformContext string) []string {
	keys := append([]string(nil), r.contexts[ContextOverview]...)
	if platformContext != ContextOverview {
		keys = append(keys, r.contexts[platformContext]...)
	}
	return models.SortedSet(keys)
}

// Contexts lists the known platform contexts.
func (r *Registry) Contexts() []string {
	out := make([]string, 0, len(r.contexts))
	for k := range r.contexts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ContextFor maps a revenue source kind or provider to its platform context.
func ContextFor(source string) string {
	switch source {
	case models.ProviderHubSpot:
		return ContextHubSpot
	case models.ProviderSalesforce:
		return ContextSalesforce
	case models.ProviderShopify:
		return ContextShopify
	case models.ProviderGoogleAnalytics, "ga4":
		return ContextGA4
	case models.ProviderGoogleSheets, "sheets":
		return ContextSheets
	}
	return ContextOverview
}

// Known reports whether view is listed under any context.
func (r *Registry) Known(view string) bool {
	for _, keys := range r.contexts {
		for _, k := range keys {
			if k == view {
				return true
			}
		}
	}
	return false
}
