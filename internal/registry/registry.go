// Package registry loads the set of MCP servers the executor may talk
// to. A registry file holds a top-level mcpServers map keyed by server
// name, in YAML or JSON:
//
//	mcpServers:
//	  filesystem:
//	    command: npx
//	    args: ["-y", "@modelcontextprotocol/server-filesystem", "/srv"]
//	  search:
//	    transport: http_stream
//	    args: ["https://search.internal"]
//	    exclude_tools: ["admin_*"]
//
// Servers default to enabled and the stdio transport. Descriptors are
// immutable once loaded.
package registry

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/nugget/mcpexec/internal/mcp"
)

// ServerDescriptor is the static description of one MCP server.
type ServerDescriptor struct {
	Name string

	// Command and Args launch a stdio server. For network transports
	// Args[0] is the server URL and Command is unused.
	Command    string
	Args       []string
	WorkingDir string

	Transport mcp.Kind
	Enabled   bool

	// Env holds extra KEY=VALUE pairs for stdio servers.
	Env []string

	// IncludeTools and ExcludeTools are glob patterns over tool names.
	// When IncludeTools is non-empty only matching tools are exposed;
	// otherwise tools matching ExcludeTools are hidden.
	IncludeTools []string
	ExcludeTools []string

	// MaxCallsPerSecond throttles tool calls; zero means unlimited.
	MaxCallsPerSecond float64
}

// AllowsTool reports whether the include/exclude patterns admit tool.
func (d ServerDescriptor) AllowsTool(tool string) bool {
	if len(d.IncludeTools) > 0 {
		return matchAny(d.IncludeTools, tool)
	}
	return !matchAny(d.ExcludeTools, tool)
}

// FilterTools returns the subset of tools admitted by AllowsTool,
// preserving order.
func (d ServerDescriptor) FilterTools(tools []string) []string {
	out := make([]string, 0, len(tools))
	for _, tool := range tools {
		if d.AllowsTool(tool) {
			out = append(out, tool)
		}
	}
	return out
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		// Patterns are validated at load time, so Match cannot fail here.
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Validate checks a descriptor for the fields its transport needs.
func (d ServerDescriptor) Validate() error {
	if d.Name == "" {
		return errors.New("server name is empty")
	}
	switch d.Transport {
	case mcp.KindStdio:
		if d.Command == "" {
			return fmt.Errorf("server %q: command is required for stdio", d.Name)
		}
	case mcp.KindSSE, mcp.KindHTTPStream:
		if len(d.Args) == 0 || d.Args[0] == "" {
			return fmt.Errorf("server %q: URL is required for %s", d.Name, d.Transport)
		}
	default:
		return fmt.Errorf("server %q: %w: %q", d.Name, mcp.ErrUnknownTransport, d.Transport)
	}
	for _, p := range slices.Concat(d.IncludeTools, d.ExcludeTools) {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("server %q: invalid tool pattern %q", d.Name, p)
		}
	}
	if d.MaxCallsPerSecond < 0 {
		return fmt.Errorf("server %q: max_calls_per_second must not be negative", d.Name)
	}
	return nil
}

// Registry is an immutable set of server descriptors keyed by name.
type Registry struct {
	servers map[string]ServerDescriptor
}

// New builds a registry from descriptors. Names must be unique.
func New(servers ...ServerDescriptor) (*Registry, error) {
	r := &Registry{servers: make(map[string]ServerDescriptor, len(servers))}
	for _, d := range servers {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.servers[d.Name]; dup {
			return nil, fmt.Errorf("duplicate server %q", d.Name)
		}
		r.servers[d.Name] = d
	}
	return r, nil
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (ServerDescriptor, bool) {
	d, ok := r.servers[name]
	return d, ok
}

// Names returns all server names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enabled returns the enabled servers sorted by name.
func (r *Registry) Enabled() []ServerDescriptor {
	var out []ServerDescriptor
	for _, name := range r.Names() {
		if d := r.servers[name]; d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of servers, enabled or not.
func (r *Registry) Len() int { return len(r.servers) }

// fileEntry is one mcpServers entry as written in the registry file.
type fileEntry struct {
	Command           string            `yaml:"command"`
	Args              []string          `yaml:"args"`
	URL               string            `yaml:"url"`
	Cwd               string            `yaml:"cwd"`
	Transport         string            `yaml:"transport"`
	Enabled           *bool             `yaml:"enabled"`
	Env               map[string]string `yaml:"env"`
	IncludeTools      []string          `yaml:"include_tools"`
	ExcludeTools      []string          `yaml:"exclude_tools"`
	MaxCallsPerSecond float64           `yaml:"max_calls_per_second"`
}

type file struct {
	Servers map[string]fileEntry `yaml:"mcpServers"`
}

// Load reads a registry file. Environment variables are expanded
// before parsing.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Parse decodes registry file contents. JSON is accepted since it is
// valid YAML.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}

	servers := make([]ServerDescriptor, 0, len(f.Servers))
	for name, e := range f.Servers {
		d, err := e.descriptor(name)
		if err != nil {
			return nil, err
		}
		servers = append(servers, d)
	}
	return New(servers...)
}

func (e fileEntry) descriptor(name string) (ServerDescriptor, error) {
	kind, err := mcp.ParseKind(e.Transport)
	if err != nil {
		return ServerDescriptor{}, fmt.Errorf("server %q: %w", name, err)
	}

	args := e.Args
	if e.URL != "" && len(args) == 0 {
		args = []string{e.URL}
	}

	env := make([]string, 0, len(e.Env))
	for k, v := range e.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	return ServerDescriptor{
		Name:              name,
		Command:           e.Command,
		Args:              args,
		WorkingDir:        e.Cwd,
		Transport:         kind,
		Enabled:           e.Enabled == nil || *e.Enabled,
		Env:               env,
		IncludeTools:      e.IncludeTools,
		ExcludeTools:      e.ExcludeTools,
		MaxCallsPerSecond: e.MaxCallsPerSecond,
	}, nil
}
