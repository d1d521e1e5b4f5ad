package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ent0n29/tasksync/internal/tasks"
)

func TestTokenCommandMintsToken(t *testing.T) {
	cmd := tokenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"alice", "--secret", "dev", "--admin"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if strings.Count(strings.TrimSpace(out.String()), ".") != 2 {
		t.Fatalf("output = %q, want a JWT", out.String())
	}
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Setenv("APP_JWT_SECRET", "")
	cmd := tokenCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"alice"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("Execute() error = nil, want missing secret")
	}
}

func TestPrintWorkspace(t *testing.T) {
	var out bytes.Buffer
	printWorkspace(&out, []tasks.Task{{ID: "0123456789", Title: "Ship", Status: tasks.StatusCompleted}})
	if !strings.Contains(out.String(), "01234567  Completed") {
		t.Fatalf("output = %q", out.String())
	}
}
