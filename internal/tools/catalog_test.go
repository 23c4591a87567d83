package tools

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/mcpchat/internal/mcp"
)

type fakeLister struct {
	defs []mcp.ToolDefinition
	err  error
}

func (f *fakeLister) ListTools(context.Context) ([]mcp.ToolDefinition, error) {
	return f.defs, f.err
}

func TestCatalog_Refresh(t *testing.T) {
	c := NewCatalog(nil)
	if c.Len() != 0 || !c.RefreshedAt().IsZero() {
		t.Fatalf("new catalog not empty: len=%d at=%v", c.Len(), c.RefreshedAt())
	}

	l := &fakeLister{defs: []mcp.ToolDefinition{
		{Name: "query_weather", Description: "Weather by city", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"city": map[string]any{"type": "string"}},
			"required":   []any{"city"},
		}},
		{Name: "now"},
		{Name: "query_weather", Description: "duplicate"},
		{Name: ""},
	}}
	if err := c.Refresh(context.Background(), l); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	got, ok := c.Get("query_weather")
	if !ok || got.Description != "Weather by city" {
		t.Errorf("Get(query_weather) = %+v, %v; first occurrence must win", got, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) found a tool")
	}
	if c.RefreshedAt().IsZero() {
		t.Error("RefreshedAt not set")
	}

	names := []string{}
	for _, d := range c.List() {
		names = append(names, d.Name)
	}
	if diff := cmp.Diff([]string{"query_weather", "now"}, names); diff != "" {
		t.Errorf("List order (-want +got):\n%s", diff)
	}
}

func TestCatalog_RefreshErrorKeepsPrevious(t *testing.T) {
	c := NewCatalog(nil)
	c.Refresh(context.Background(), &fakeLister{defs: []mcp.ToolDefinition{{Name: "a"}}})

	err := c.Refresh(context.Background(), &fakeLister{err: errors.New("broken pipe")})
	if err == nil {
		t.Fatal("Refresh succeeded, want error")
	}
	if _, ok := c.Get("a"); !ok || c.Len() != 1 {
		t.Error("failed refresh discarded the previous catalog")
	}
}

func TestCatalog_Schemas(t *testing.T) {
	c := NewCatalog(nil)
	c.Refresh(context.Background(), &fakeLister{defs: []mcp.ToolDefinition{
		{Name: "query_weather", Description: "Weather", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"city": map[string]any{"type": "string"}},
		}},
		{Name: "bare", Description: "No schema"},
	}})

	want := []map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name":        "query_weather",
				"description": "Weather",
				"parameters": map[string]any{
					"type":       "object",
					"properties": map[string]any{"city": map[string]any{"type": "string"}},
				},
			},
		},
		{
			"type": "function",
			"function": map[string]any{
				"name":        "bare",
				"description": "No schema",
				"parameters":  map[string]any{"type": "object", "properties": map[string]any{}},
			},
		},
	}
	if diff := cmp.Diff(want, c.Schemas()); diff != "" {
		t.Errorf("Schemas (-want +got):\n%s", diff)
	}
}

func TestCatalog_NormalizeDoesNotMutateSource(t *testing.T) {
	src := map[string]any{"description": "x"}
	out := normalizeSchema(src)
	if _, ok := src["type"]; ok {
		t.Error("normalizeSchema mutated its input")
	}
	if out["type"] != "object" {
		t.Errorf("type = %v, want object", out["type"])
	}
}

// Readers running alongside refreshes must only ever see one of the
// two complete tool sets.
func TestCatalog_ConcurrentRefreshIsAtomic(t *testing.T) {
	c := NewCatalog(nil)
	setA := &fakeLister{defs: []mcp.ToolDefinition{{Name: "a1"}, {Name: "a2"}, {Name: "a3"}}}
	setB := &fakeLister{defs: []mcp.ToolDefinition{{Name: "b1"}, {Name: "b2"}}}
	c.Refresh(context.Background(), setA)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	defer func() {
		close(stop)
		wg.Wait()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			l := setA
			if i%2 == 1 {
				l = setB
			}
			c.Refresh(context.Background(), l)
		}
	}()

	for range 2000 {
		list := c.List()
		switch {
		case len(list) == 3 && list[0].Name == "a1" && list[2].Name == "a3":
		case len(list) == 2 && list[0].Name == "b1" && list[1].Name == "b2":
		default:
			t.Fatalf("observed mixed catalog: %+v", list)
		}
	}
}
