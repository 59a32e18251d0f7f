package plugin

import "sort"

// Frontend aggregates UI contributions across plugins. Only Enabled records
// contribute: a Disabled or Error plugin's routes and menus never reach the
// console.
type Frontend struct {
	reg *Registry
}

// NewFrontend creates the aggregator over a registry.
func NewFrontend(reg *Registry) *Frontend {
	return &Frontend{reg: reg}
}

// Routes returns every frontend route contributed by Enabled plugins,
// ordered by plugin id then declaration order.
func (f *Frontend) Routes() []FrontendRoute {
	var out []FrontendRoute
	for _, rec := range f.reg.List() {
		if rec.Status != StatusEnabled {
			continue
		}
		out = append(out, rec.Manifest.Routes...)
	}
	return out
}

// Menus returns every menu item contributed by Enabled plugins, sorted by
// Order then id. Children keep their declared order.
func (f *Frontend) Menus() []MenuItem {
	var out []MenuItem
	for _, rec := range f.reg.List() {
		if rec.Status != StatusEnabled {
			continue
		}
		out = append(out, rec.Manifest.Menus...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}
