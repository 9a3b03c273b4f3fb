package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"scriptorium/api/internal/auth"
)

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	t.Setenv("SCRIPTORIUM_JWT_SECRET", "cli-secret")
	t.Setenv("SCRIPTORIUM_LOG_LEVEL", "error")

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{
		"--env-file", filepath.Join(t.TempDir(), "missing.env"),
		"token", "usr_alice",
		"--email", "alice@example.org",
		"--ttl", "1h",
	})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	claims, err := auth.ParseToken([]byte("cli-secret"), strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "usr_alice" || claims.Email != "alice@example.org" || claims.JTI == "" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestTokenCommandRequiresAccountID(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"token"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected an argument error")
	}
}
