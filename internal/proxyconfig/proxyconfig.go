// Package proxyconfig renders the active desired state into a config
// fragment for the external HTTP reverse-proxy helper process and reloads
// it after a successful write (spec §4.3).
package proxyconfig

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"text/template"

	"gatewayd/internal/model"
)

// upstreamSetName derives a stable, deterministic name for a set of
// upstreams from its contents (spec §4.3: "the name is derived
// deterministically from its contents, e.g. a hash"), so an unchanged
// upstream set renders to the same block across reconciles.
func upstreamSetName(ups []string) string {
	sum := sha256.Sum256([]byte(fmt.Sprint(ups)))
	return "up-" + hex.EncodeToString(sum[:])[:12]
}

// server is one rendered server block: a hostname routed to a named
// upstream set.
type server struct {
	Hostname     string
	UpstreamName string
}

// upstreamBlock is one rendered upstream set: its derived name and its
// member addresses.
type upstreamBlock struct {
	Name    string
	Targets []string
}

type renderData struct {
	Upstreams []upstreamBlock
	Servers   []server
}

const configTemplate = `# generated by gatewayd — do not edit by hand
{{- range .Upstreams}}
upstream {{.Name}} {
{{- range .Targets}}
    server {{.}};
{{- end}}
}
{{- end}}
{{range .Servers}}
server {
    listen 80;
    server_name {{.Hostname}};
    location / {
        proxy_pass http://{{.UpstreamName}};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
    }
}
{{end}}`

var tmpl = template.Must(template.New("proxyconfig").Parse(configTemplate))

// Renderer writes the rendered config to Path and reloads the helper
// process by sending it SIGHUP, reading its PID from PIDPath on every
// reload (mirrors the "reload the helper" step of spec §4.1 step 6
// without assuming any particular proxy implementation).
type Renderer struct {
	Path    string
	PIDPath string
	log     *slog.Logger
}

// New constructs a Renderer writing to path and signaling the process
// whose pid is recorded at pidPath.
func New(path, pidPath string) *Renderer {
	return &Renderer{Path: path, PIDPath: pidPath, log: slog.With("component", "proxyconfig")}
}

// Render writes the config fragment derived from desired and reloads the
// helper. Errors are returned for the caller (the reconciler) to log;
// a failed render does not roll back kernel convergence (spec §4.1 step 6
// runs after kernel convergence completes).
func (r *Renderer) Render(ctx context.Context, desired model.DesiredState) error {
	data := buildRenderData(desired)

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("render proxy config template: %w", err)
	}

	if err := writeAtomic(r.Path, buf.Bytes()); err != nil {
		return fmt.Errorf("write proxy config: %w", err)
	}

	if err := r.reload(); err != nil {
		r.log.Warn("reload helper failed", "err", err)
	}
	return nil
}

func (r *Renderer) reload() error {
	if r.PIDPath == "" {
		return nil
	}
	raw, err := os.ReadFile(r.PIDPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // helper not running yet; nothing to reload
		}
		return fmt.Errorf("read helper pid file: %w", err)
	}
	var pid int
	if _, err := fmt.Sscanf(string(raw), "%d", &pid); err != nil {
		return fmt.Errorf("parse helper pid file: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find helper process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("signal helper process %d: %w", pid, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".proxyconfig-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// buildRenderData collapses desired into deterministic upstream blocks and
// server entries. Hostnames claimed by more than one network render only
// the winning network's upstreams (spec invariant 4, resolved the same way
// the reconciler resolves the dispatcher's routing table).
func buildRenderData(desired model.DesiredState) renderData {
	routing, _ := model.ResolveProxyRouting(desired)

	hosts := make([]string, 0, len(routing))
	for h := range routing {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	seen := make(map[string]struct{})
	var data renderData

	for _, host := range hosts {
		port := routing[host]
		entry := desired[port].Proxy[host]
		targets := make([]string, len(entry.Upstreams))
		for i, u := range entry.Upstreams {
			targets[i] = u.String()
		}
		name := upstreamSetName(targets)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			data.Upstreams = append(data.Upstreams, upstreamBlock{Name: name, Targets: targets})
		}
		data.Servers = append(data.Servers, server{Hostname: host, UpstreamName: name})
	}
	return data
}
