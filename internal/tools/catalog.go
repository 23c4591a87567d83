// Package tools holds the catalog of tools offered by the connected MCP
// server and translates them into the function-calling schema sent to
// the model.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/nugget/mcpchat/internal/mcp"
)

// Descriptor describes one tool as the model sees it.
type Descriptor struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema for the arguments
}

// Lister is the part of [mcp.Session] the catalog needs.
type Lister interface {
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
}

// snapshot is an immutable view of the catalog. Refresh builds a new
// one and swaps it in whole.
type snapshot struct {
	tools       []Descriptor
	index       map[string]int
	refreshedAt time.Time
}

var emptySnapshot = &snapshot{index: map[string]int{}}

// Catalog caches the tool list of one server. Readers never block and
// never observe a partially refreshed list.
type Catalog struct {
	snap   atomic.Pointer[snapshot]
	logger *slog.Logger
}

// NewCatalog returns an empty catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{logger: logger}
	c.snap.Store(emptySnapshot)
	return c
}

// Refresh replaces the catalog with the server's current tool list. On
// error the previous contents are kept.
func (c *Catalog) Refresh(ctx context.Context, l Lister) error {
	defs, err := l.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("refresh tool catalog: %w", err)
	}

	next := &snapshot{
		tools:       make([]Descriptor, 0, len(defs)),
		index:       make(map[string]int, len(defs)),
		refreshedAt: time.Now(),
	}
	for _, d := range defs {
		if d.Name == "" {
			c.logger.Warn("skipping tool with empty name")
			continue
		}
		if _, dup := next.index[d.Name]; dup {
			c.logger.Warn("duplicate tool name, keeping first", "tool", d.Name)
			continue
		}
		next.index[d.Name] = len(next.tools)
		next.tools = append(next.tools, Descriptor{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  normalizeSchema(d.InputSchema),
		})
	}

	c.snap.Store(next)
	c.logger.Info("tool catalog refreshed", "count", len(next.tools))
	return nil
}

// Get retrieves a tool by name.
func (c *Catalog) Get(name string) (Descriptor, bool) {
	s := c.snap.Load()
	i, ok := s.index[name]
	if !ok {
		return Descriptor{}, false
	}
	return s.tools[i], true
}

// List returns the tools in server order.
func (c *Catalog) List() []Descriptor {
	s := c.snap.Load()
	out := make([]Descriptor, len(s.tools))
	copy(out, s.tools)
	return out
}

// Len returns the number of tools.
func (c *Catalog) Len() int {
	return len(c.snap.Load().tools)
}

// RefreshedAt returns when the catalog was last refreshed, or the zero
// time if it never was.
func (c *Catalog) RefreshedAt() time.Time {
	return c.snap.Load().refreshedAt
}

// Schemas returns all tools in the OpenAI function-calling format.
func (c *Catalog) Schemas() []map[string]any {
	s := c.snap.Load()
	result := make([]map[string]any, 0, len(s.tools))
	for _, t := range s.tools {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// normalizeSchema returns a copy of schema that is always an object
// schema with a properties map, which strict providers require.
func normalizeSchema(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema)+2)
	maps.Copy(out, schema)
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if _, ok := out["properties"].(map[string]any); !ok {
		out["properties"] = map[string]any{}
	}
	return out
}
