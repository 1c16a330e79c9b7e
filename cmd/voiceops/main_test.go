package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCmd_Version(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := out.String(); !strings.HasPrefix(got, "voiceops v") {
		t.Fatalf("unexpected version output %q", got)
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()
	for _, path := range [][]string{{"serve"}, {"migrate"}, {"sweep"}, {"policies", "seed"}, {"users", "delete"}} {
		c, _, err := cmd.Find(path)
		if err != nil || c == nil || c.Name() != path[len(path)-1] {
			t.Fatalf("missing subcommand %v: %v", path, err)
		}
	}
	if f := cmd.PersistentFlags().Lookup("env-file"); f == nil || f.DefValue != ".env" {
		t.Fatalf("env-file flag missing or wrong default")
	}
}
