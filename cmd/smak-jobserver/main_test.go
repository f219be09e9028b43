package main

import (
	"os"
	"path/filepath"
	"testing"
)

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

func TestDefaultRuleFileDefaultsWhenNoneExist(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	os.Chdir(dir)

	if got := defaultRuleFile(); got != "Smakfile" {
		t.Errorf("defaultRuleFile() = %q, want Smakfile when nothing is present", got)
	}
}
