package expand

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/smak-build/smak/internal/rules"
)

func TestExpandVariable(t *testing.T) {
	s := rules.NewStore()
	s.Set("CC", "gcc", false)
	e := New(s, nil)

	got, err := e.Expand("$(CC) -o out")
	if err != nil {
		t.Fatal(err)
	}
	if got != "gcc -o out" {
		t.Errorf("Expand = %q, want %q", got, "gcc -o out")
	}
}

func TestExpandAutoVars(t *testing.T) {
	s := rules.NewStore()
	auto := &Auto{Target: "main.o", First: "main.c", All: []string{"main.c", "main.h"}, Stem: "main"}
	e := New(s, auto)

	tests := []struct {
		in, want string
	}{
		{"$@", "main.o"},
		{"$<", "main.c"},
		{"$^", "main.c main.h"},
		{"$*", "main"},
	}
	for _, tt := range tests {
		got, err := e.Expand(tt.in)
		if err != nil {
			t.Fatalf("Expand(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Expand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExpandCycleDetected(t *testing.T) {
	s := rules.NewStore()
	s.Set("A", "$(B)", true)
	s.Set("B", "$(A)", true)
	e := New(s, nil)

	if _, err := e.Expand("$(A)"); err == nil {
		t.Error("expected cycle error, got nil")
	}
}

func TestPatsubst(t *testing.T) {
	s := rules.NewStore()
	s.Set("SRCS", "foo.c bar.c", false)
	e := New(s, nil)

	got, err := e.Expand("$(patsubst %.c,%.o,$(SRCS))")
	if err != nil {
		t.Fatal(err)
	}
	if got != "foo.o bar.o" {
		t.Errorf("patsubst = %q, want %q", got, "foo.o bar.o")
	}
}

func TestFilterAndFilterOut(t *testing.T) {
	s := rules.NewStore()
	e := New(s, nil)

	got, err := e.Expand("$(filter %.c,foo.c bar.o baz.c)")
	if err != nil {
		t.Fatal(err)
	}
	if got != "foo.c baz.c" {
		t.Errorf("filter = %q, want %q", got, "foo.c baz.c")
	}

	got, err = e.Expand("$(filter-out %.o,foo.c bar.o baz.c)")
	if err != nil {
		t.Fatal(err)
	}
	if got != "foo.c baz.c" {
		t.Errorf("filter-out = %q, want %q", got, "foo.c baz.c")
	}
}

func TestWordFunctions(t *testing.T) {
	s := rules.NewStore()
	e := New(s, nil)

	tests := []struct {
		in, want string
	}{
		{"$(words a b c)", "3"},
		{"$(word 2,a b c)", "b"},
		{"$(firstword a b c)", "a"},
		{"$(lastword a b c)", "c"},
	}
	for _, tt := range tests {
		got, err := e.Expand(tt.in)
		if err != nil {
			t.Fatalf("Expand(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Expand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDirNotdirBasenameSuffix(t *testing.T) {
	s := rules.NewStore()
	e := New(s, nil)

	tests := []struct {
		in, want string
	}{
		{"$(dir src/foo.c)", "src/"},
		{"$(notdir src/foo.c)", "foo.c"},
		{"$(basename src/foo.c)", "src/foo"},
		{"$(suffix src/foo.c)", ".c"},
	}
	for _, tt := range tests {
		got, err := e.Expand(tt.in)
		if err != nil {
			t.Fatalf("Expand(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Expand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAddprefixAddsuffixSort(t *testing.T) {
	s := rules.NewStore()
	e := New(s, nil)

	got, err := e.Expand("$(addprefix build/,foo.o bar.o)")
	if err != nil {
		t.Fatal(err)
	}
	if got != "build/foo.o build/bar.o" {
		t.Errorf("addprefix = %q, want %q", got, "build/foo.o build/bar.o")
	}

	got, err = e.Expand("$(addsuffix .o,foo bar)")
	if err != nil {
		t.Fatal(err)
	}
	if got != "foo.o bar.o" {
		t.Errorf("addsuffix = %q, want %q", got, "foo.o bar.o")
	}

	got, err = e.Expand("$(sort banana apple banana)")
	if err != nil {
		t.Fatal(err)
	}
	if got != "apple banana" {
		t.Errorf("sort = %q, want %q (dedup + sort)", got, "apple banana")
	}
}

func TestIfFunction(t *testing.T) {
	s := rules.NewStore()
	e := New(s, nil)

	got, err := e.Expand("$(if foo,yes,no)")
	if err != nil {
		t.Fatal(err)
	}
	if got != "yes" {
		t.Errorf("if(truthy) = %q, want yes", got)
	}

	got, err = e.Expand("$(if ,yes,no)")
	if err != nil {
		t.Fatal(err)
	}
	if got != "no" {
		t.Errorf("if(empty) = %q, want no", got)
	}
}

func TestIfFunctionSkipsUntakenBranchSideEffects(t *testing.T) {
	s := rules.NewStore()
	e := New(s, nil)

	marker := filepath.Join(t.TempDir(), "ran")

	got, err := e.Expand(fmt.Sprintf("$(if foo,yes,$(shell touch %s))", marker))
	if err != nil {
		t.Fatal(err)
	}
	if got != "yes" {
		t.Errorf("if(truthy) = %q, want yes", got)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("untaken else-branch's $(shell) ran; $(if) must expand branches lazily")
	}

	got, err = e.Expand(fmt.Sprintf("$(if ,$(shell touch %s),no)", marker))
	if err != nil {
		t.Fatal(err)
	}
	if got != "no" {
		t.Errorf("if(empty) = %q, want no", got)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("untaken then-branch's $(shell) ran; $(if) must expand branches lazily")
	}
}

func TestStripCollapsesWhitespace(t *testing.T) {
	s := rules.NewStore()
	e := New(s, nil)

	got, err := e.Expand("$(strip   a   b   c  )")
	if err != nil {
		t.Fatal(err)
	}
	if got != "a b c" {
		t.Errorf("strip = %q, want %q", got, "a b c")
	}
}

func TestDeferredVsImmediateAssignment(t *testing.T) {
	s := rules.NewStore()
	s.Set("X", "1", false) // ':='-style: immediate
	s.Set("Y", "$(X)", true)
	s.Set("X", "2", false)

	e := New(s, nil)
	got, err := e.Expand("$(Y)")
	if err != nil {
		t.Fatal(err)
	}
	if got != "2" {
		t.Errorf("deferred Y = %q, want 2 (re-read X at use time)", got)
	}
}
