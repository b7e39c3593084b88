package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gatewayd/internal/buildinfo"
)

// openAPIDocument is a minimal, hand-built OpenAPI 3 description of the
// HTTP control surface (spec §4.5). No OpenAPI generator appears
// anywhere in the retrieved reference code, so this is assembled
// directly as a JSON-serializable struct rather than pulled in from a
// library.
type openAPIDocument struct {
	OpenAPI string                 `json:"openapi"`
	Info    openAPIInfo            `json:"info"`
	Paths   map[string]openAPIPath `json:"paths"`
}

type openAPIInfo struct {
	Title   string `json:"title"`
	Version string `json:"version"`
}

type openAPIPath map[string]openAPIOperation

type openAPIOperation struct {
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
}

func emitOpenAPI(w io.Writer) error {
	doc := openAPIDocument{
		OpenAPI: "3.0.3",
		Info:    openAPIInfo{Title: "gatewayd", Version: buildinfo.Version},
		Paths: map[string]openAPIPath{
			"/config": {
				"get":  openAPIOperation{Summary: "Return the last accepted desired state"},
				"post": openAPIOperation{Summary: "Replace the desired state and trigger a reconcile"},
			},
			"/status": {
				"get": openAPIOperation{Summary: "Per-port health plus dispatcher statistics"},
			},
			"/traffic": {
				"get": openAPIOperation{Summary: "Query traffic samples", Description: "since=<unix seconds>"},
			},
			"/healthz": {
				"get": openAPIOperation{Summary: "Liveness probe"},
			},
			"/metrics": {
				"get": openAPIOperation{Summary: "Prometheus metrics"},
			},
		},
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode openapi document: %w", err)
	}
	return nil
}
