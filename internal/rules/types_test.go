package rules

import "testing"

func TestPatternMatch(t *testing.T) {
	tests := []struct {
		pattern string
		target  string
		stem    string
		ok      bool
	}{
		{"foo.o", "foo.o", "", true},
		{"foo.o", "bar.o", "", false},
		{"%.o", "main.o", "main", true},
		{"%.o", "main.c", "", false},
		{"build/%.o", "build/main.o", "main", true},
		{"build/%.o", "src/main.o", "", false},
	}
	for _, tt := range tests {
		p := Pattern{Raw: tt.pattern}
		stem, ok := p.Match(tt.target)
		if ok != tt.ok || (ok && stem != tt.stem) {
			t.Errorf("Pattern(%q).Match(%q) = (%q, %v), want (%q, %v)", tt.pattern, tt.target, stem, ok, tt.stem, tt.ok)
		}
	}
}

func TestPatternSubst(t *testing.T) {
	p := Pattern{Raw: "build/%.o"}
	if got := p.Subst("main"); got != "build/main.o" {
		t.Errorf("Subst = %q, want build/main.o", got)
	}
	lit := Pattern{Raw: "foo.o"}
	if got := lit.Subst("main"); got != "foo.o" {
		t.Errorf("Subst on literal pattern = %q, want foo.o", got)
	}
}

func TestStoreOverridePriority(t *testing.T) {
	s := NewStore()
	s.SetOverride("CC", "clang")
	s.Set("CC", "gcc", false)
	v, _ := s.Get("CC")
	if v != "clang" {
		t.Errorf("CC = %q, want clang (override must win)", v)
	}
}

func TestStoreConditional(t *testing.T) {
	s := NewStore()
	s.SetConditional("CC", "gcc")
	s.SetConditional("CC", "clang")
	v, _ := s.Get("CC")
	if v != "gcc" {
		t.Errorf("CC = %q, want gcc (?= must not clobber)", v)
	}
}

func TestStoreAppend(t *testing.T) {
	s := NewStore()
	s.Append("CFLAGS", "-Wall")
	s.Append("CFLAGS", "-O2")
	v, _ := s.Get("CFLAGS")
	if v != "-Wall -O2" {
		t.Errorf("CFLAGS = %q, want \"-Wall -O2\"", v)
	}
}

func TestStoreAppendOverridden(t *testing.T) {
	s := NewStore()
	s.SetOverride("CFLAGS", "-O0")
	s.Append("CFLAGS", "-Wall")
	v, _ := s.Get("CFLAGS")
	if v != "-O0" {
		t.Errorf("CFLAGS = %q, want -O0 (override must resist +=)", v)
	}
}

func TestRuleSetDefaultTarget(t *testing.T) {
	rs := NewRuleSet()
	rs.AddRule(&Rule{Kind: KindPseudo, Targets: []Pattern{{Raw: "clean"}}})
	rs.AddRule(&Rule{Kind: KindFixed, Targets: []Pattern{{Raw: "all"}}})
	rs.AddRule(&Rule{Kind: KindFixed, Targets: []Pattern{{Raw: "test"}}})
	if rs.Default != "all" {
		t.Errorf("Default = %q, want all (first non-phony fixed target)", rs.Default)
	}
}

func TestRuleSetDuplicateFixedTarget(t *testing.T) {
	rs := NewRuleSet()
	dup1 := rs.AddRule(&Rule{Kind: KindFixed, Targets: []Pattern{{Raw: "all"}}})
	dup2 := rs.AddRule(&Rule{Kind: KindFixed, Targets: []Pattern{{Raw: "all"}}})
	if dup1 {
		t.Error("first definition of all should not be reported duplicate")
	}
	if !dup2 {
		t.Error("second definition of all should be reported duplicate")
	}
}

func TestRuleSetExclusive(t *testing.T) {
	rs := NewRuleSet()
	rs.MarkExclusive([]string{"install"})
	if !rs.IsExclusive("install") {
		t.Error("install should be exclusive")
	}
	if rs.IsExclusive("build") {
		t.Error("build should not be exclusive")
	}

	whole := NewRuleSet()
	whole.MarkExclusive(nil)
	if !whole.IsExclusive("anything") {
		t.Error("bare .NOTPARALLEL should make every target exclusive")
	}
}

func TestRuleIsCompound(t *testing.T) {
	r := &Rule{Kind: KindPattern, Targets: []Pattern{{Raw: "%.c"}, {Raw: "%.h"}}}
	if !r.IsCompound() {
		t.Error("two-target pattern rule should be compound")
	}
	single := &Rule{Kind: KindPattern, Targets: []Pattern{{Raw: "%.o"}}}
	if single.IsCompound() {
		t.Error("single-target pattern rule should not be compound")
	}
}

func TestRuleCompoundName(t *testing.T) {
	r := &Rule{Kind: KindPattern, Targets: []Pattern{{Raw: "%.tab.c"}, {Raw: "%.tab.h"}}}
	got := r.CompoundName("parse")
	want := "parse.tab.c&parse.tab.h"
	if got != want {
		t.Errorf("CompoundName = %q, want %q", got, want)
	}
}
