package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSplitArgsSeparatesTargetsFromOverrides(t *testing.T) {
	targets, overrides := splitArgs([]string{"all", "CC=clang", "clean", "CFLAGS=-O2"})
	if len(targets) != 2 || targets[0] != "all" || targets[1] != "clean" {
		t.Errorf("targets = %v, want [all clean]", targets)
	}
	if overrides["CC"] != "clang" || overrides["CFLAGS"] != "-O2" {
		t.Errorf("overrides = %v, want CC=clang CFLAGS=-O2", overrides)
	}
}

func TestSplitArgsRejectsNonIdentifierAsOverride(t *testing.T) {
	targets, overrides := splitArgs([]string{"path/to=file"})
	if len(overrides) != 0 {
		t.Errorf("overrides = %v, want none for a non-identifier name", overrides)
	}
	if len(targets) != 1 || targets[0] != "path/to=file" {
		t.Errorf("targets = %v, want the whole arg kept as a target", targets)
	}
}

func TestIsIdentifier(t *testing.T) {
	cases := map[string]bool{
		"CC":       true,
		"_private": true,
		"CC2":      true,
		"2CC":      false,
		"":         false,
		"CC-FLAGS": false,
	}
	for in, want := range cases {
		if got := isIdentifier(in); got != want {
			t.Errorf("isIdentifier(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDefaultRuleFilePrefersSmakfile(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	os.Chdir(dir)

	if err := os.WriteFile(filepath.Join(dir, "Makefile"), []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Smakfile"), []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := defaultRuleFile(); got != "Smakfile" {
		t.Errorf("defaultRuleFile() = %q, want Smakfile", got)
	}
}

func TestDefaultRuleFileFallsBackToMakefile(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	os.Chdir(dir)

	if err := os.WriteFile(filepath.Join(dir, "makefile"), []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := defaultRuleFile(); got != "makefile" {
		t.Errorf("defaultRuleFile() = %q, want makefile", got)
	}
}

func TestDefaultRuleFileDefaultsWhenNoneExist(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	os.Chdir(dir)

	if got := defaultRuleFile(); got != "Smakfile" {
		t.Errorf("defaultRuleFile() = %q, want Smakfile when nothing is present", got)
	}
}

func TestEnvForClientIncludesProcessEnv(t *testing.T) {
	t.Setenv("SMAK_TEST_MARKER", "yes")
	env := envForClient()
	if env["SMAK_TEST_MARKER"] != "yes" {
		t.Errorf("envForClient() missing SMAK_TEST_MARKER, got %v", env)
	}
}
