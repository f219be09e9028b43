package graph

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smak-build/smak/internal/rules"
)

func touch(t *testing.T, dir, name string, at time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatal(err)
	}
}

func TestResolveStaleAgainstPrereq(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	touch(t, dir, "main.c", now)
	touch(t, dir, "main.o", now.Add(-time.Hour))

	rs := rules.NewRuleSet()
	rs.AddRule(&rules.Rule{
		Kind:      rules.KindFixed,
		Targets:   []rules.Pattern{{Raw: "main.o"}},
		Prereqs:   []rules.Pattern{{Raw: "main.c"}},
		Recipe:    []rules.RecipeLine{{Text: "cc -c main.c"}},
		HasRecipe: true,
	})

	g := New(rs, dir, nil)
	n, err := g.Resolve("main.o")
	if err != nil {
		t.Fatal(err)
	}
	if !n.Stale {
		t.Error("main.o should be stale: main.c is newer")
	}
}

func TestResolveFreshTargetNotStale(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	touch(t, dir, "main.c", now.Add(-time.Hour))
	touch(t, dir, "main.o", now)

	rs := rules.NewRuleSet()
	rs.AddRule(&rules.Rule{
		Kind:      rules.KindFixed,
		Targets:   []rules.Pattern{{Raw: "main.o"}},
		Prereqs:   []rules.Pattern{{Raw: "main.c"}},
		Recipe:    []rules.RecipeLine{{Text: "cc -c main.c"}},
		HasRecipe: true,
	})

	g := New(rs, dir, nil)
	n, err := g.Resolve("main.o")
	if err != nil {
		t.Fatal(err)
	}
	if n.Stale {
		t.Error("main.o should not be stale: it is newer than main.c")
	}
}

func TestResolvePhonyAlwaysStale(t *testing.T) {
	dir := t.TempDir()
	rs := rules.NewRuleSet()
	rs.AddRule(&rules.Rule{
		Kind:    rules.KindPseudo,
		Targets: []rules.Pattern{{Raw: "clean"}},
	})

	g := New(rs, dir, nil)
	n, err := g.Resolve("clean")
	if err != nil {
		t.Fatal(err)
	}
	if !n.Stale {
		t.Error("phony target must always be stale")
	}
}

func TestResolveCycleDetected(t *testing.T) {
	dir := t.TempDir()
	rs := rules.NewRuleSet()
	rs.AddRule(&rules.Rule{
		Kind:      rules.KindFixed,
		Targets:   []rules.Pattern{{Raw: "a"}},
		Prereqs:   []rules.Pattern{{Raw: "b"}},
		HasRecipe: true,
	})
	rs.AddRule(&rules.Rule{
		Kind:      rules.KindFixed,
		Targets:   []rules.Pattern{{Raw: "b"}},
		Prereqs:   []rules.Pattern{{Raw: "a"}},
		HasRecipe: true,
	})

	g := New(rs, dir, nil)
	if _, err := g.Resolve("a"); err == nil {
		t.Error("expected a cycle error")
	}
}

func TestResolveForceStale(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	touch(t, dir, "main.c", now.Add(-time.Hour))
	touch(t, dir, "main.o", now)

	rs := rules.NewRuleSet()
	rs.AddRule(&rules.Rule{
		Kind:      rules.KindFixed,
		Targets:   []rules.Pattern{{Raw: "main.o"}},
		Prereqs:   []rules.Pattern{{Raw: "main.c"}},
		HasRecipe: true,
	})

	g := New(rs, dir, map[string]bool{"main.o": true})
	n, err := g.Resolve("main.o")
	if err != nil {
		t.Fatal(err)
	}
	if !n.Stale {
		t.Error("force-dirtied target must be stale even if newer than its prereqs")
	}
}

func TestLayerAssignment(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	touch(t, dir, "a.c", now)

	rs := rules.NewRuleSet()
	rs.AddRule(&rules.Rule{Kind: rules.KindFixed, Targets: []rules.Pattern{{Raw: "a.o"}}, Prereqs: []rules.Pattern{{Raw: "a.c"}}, Recipe: []rules.RecipeLine{{Text: "cc -c a.c"}}, HasRecipe: true})
	rs.AddRule(&rules.Rule{Kind: rules.KindFixed, Targets: []rules.Pattern{{Raw: "a.out"}}, Prereqs: []rules.Pattern{{Raw: "a.o"}}, Recipe: []rules.RecipeLine{{Text: "cc -o a.out a.o"}}, HasRecipe: true})

	g := New(rs, dir, nil)
	n, err := g.Resolve("a.out")
	if err != nil {
		t.Fatal(err)
	}
	flat := Flatten(n)
	layers := make(map[string]int)
	for _, node := range flat {
		layers[node.Target] = node.Layer
	}
	if layers["a.o"] != 1 {
		t.Errorf("a.o layer = %d, want 1", layers["a.o"])
	}
	if layers["a.out"] != 2 {
		t.Errorf("a.out layer = %d, want 2", layers["a.out"])
	}
}

func TestCompoundOutputsShareOneRecipeNode(t *testing.T) {
	dir := t.TempDir()
	rs := rules.NewRuleSet()
	r := &rules.Rule{
		Kind:      rules.KindPattern,
		Targets:   []rules.Pattern{{Raw: "%.tab.c"}, {Raw: "%.tab.h"}},
		HasRecipe: true,
	}
	rs.AddRule(r)

	g := New(rs, dir, nil)
	c, err := g.Resolve("parse.tab.c")
	if err != nil {
		t.Fatal(err)
	}
	h, err := g.Resolve("parse.tab.h")
	if err != nil {
		t.Fatal(err)
	}
	if c.Compound == nil || h.Compound == nil {
		t.Fatal("both outputs should be placeholders over a shared compound node")
	}
	if c.Compound != h.Compound {
		t.Error("both outputs of one compound rule invocation should share the same compound node")
	}
}
