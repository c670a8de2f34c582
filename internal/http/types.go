// Package http provides the HTTP API for the forged daemon.
package http

// StatusResponse is the response body for the readiness probe.
type StatusResponse struct {
	Status string `json:"status"`
}

// ModuleInfo describes one registered module.
type ModuleInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description,omitempty"`
	Owner        string   `json:"owner,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	OptionalDeps []string `json:"optional_deps,omitempty"`
	Optional     bool     `json:"optional,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// ModulesResponse is the response body for GET /api/v1/modules.
type ModulesResponse struct {
	Modules []ModuleInfo `json:"modules"`
}

// LoadOrderResponse is the response body for GET /api/v1/loadorder.
type LoadOrderResponse struct {
	LoadOrder []string `json:"load_order"`
}

// FlagEvalResponse is the response body for GET /api/v1/flags/:name/eval.
type FlagEvalResponse struct {
	Flag    string `json:"flag"`
	Enabled bool   `json:"enabled"`
	User    string `json:"user,omitempty"`
	Tenant  string `json:"tenant,omitempty"`
}
