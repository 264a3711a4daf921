package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/ucshadow/internal/config"
	"github.com/JonMunkholm/ucshadow/internal/core"
	"github.com/JonMunkholm/ucshadow/internal/schema"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_URL", "")
	t.Setenv("SCHEMA_FILE", "")
	configFile = ""

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSchemaCommand(t *testing.T) {
	out, err := run(t, "schema")
	require.NoError(t, err)

	defs, err := schema.Parse(bytes.NewBufferString(out))
	require.NoError(t, err)
	assert.Len(t, defs, core.EntityTypeCount())

	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "job")
}

func TestMigrateRequiresDatabase(t *testing.T) {
	_, err := run(t, "migrate", "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestMigrateRejectsUnknownAction(t *testing.T) {
	_, err := run(t, "migrate", "sideways")
	require.Error(t, err)
}

func TestBuildAppWithoutDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_URL", "")
	t.Setenv("SCHEMA_FILE", "")
	cfg, err := config.Load()
	require.NoError(t, err)

	a, err := buildApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.close()

	assert.Nil(t, a.pool)
	assert.NoError(t, a.health(context.Background()))
	assert.Len(t, a.engine.EntityTypes(), core.EntityTypeCount())

	def, err := a.engine.EntityType("job")
	require.NoError(t, err)
	assert.True(t, def.Overridable)
}
