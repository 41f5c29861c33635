package main

import (
	"testing"
)

func TestBuildRootCmd(t *testing.T) {
	root := buildRootCmd()
	if root.Use != "o3chat" {
		t.Errorf("Use = %q", root.Use)
	}
	for _, name := range []string{"serve", "migrate"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not found: %v", name, err)
		}
	}
	if f := root.PersistentFlags().Lookup("config"); f == nil || f.Shorthand != "c" {
		t.Error("missing --config/-c flag")
	}
}

func TestMigrateSQLite(t *testing.T) {
	t.Setenv("APP_CONFIG_FILE", "")
	t.Setenv("APP_ENV", "test")
	t.Setenv("JWT_SECRET", "migrate-test-secret")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_DSN", "file:"+t.TempDir()+"/chat.db")

	root := buildRootCmd()
	root.SetArgs([]string{"migrate"})
	if err := root.Execute(); err != nil {
		t.Skipf("skip: sqlite not available: %v", err)
	}
}
