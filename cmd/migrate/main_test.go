package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	env := func(values map[string]string) func(string) string {
		return func(k string) string { return values[k] }
	}

	tests := []struct {
		name    string
		args    []string
		env     map[string]string
		want    options
		wantErr string
	}{
		{
			name: "defaults with env dsn",
			env:  map[string]string{envPostgresDSN: " postgres://x "},
			want: options{direction: "up", dsn: "postgres://x"},
		},
		{
			name: "flag dsn wins",
			args: []string{"-dsn", "postgres://flag", "-direction", "DOWN", "-steps", "2"},
			env:  map[string]string{envPostgresDSN: "postgres://env"},
			want: options{direction: "down", steps: 2, dsn: "postgres://flag"},
		},
		{
			name:    "missing dsn",
			wantErr: envPostgresDSN,
		},
		{
			name:    "bad direction",
			args:    []string{"-direction", "sideways", "-dsn", "x"},
			wantErr: "unsupported direction",
		},
		{
			name:    "negative steps",
			args:    []string{"-steps", "-1", "-dsn", "x"},
			wantErr: "steps must be >= 0",
		},
		{
			name:    "unknown flag",
			args:    []string{"-force"},
			wantErr: "flag provided but not defined",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOptions(tt.args, env(tt.env))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRun_Postgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("GROCERY_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("GROCERY_POSTGRES_TEST_DSN is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, run(ctx, options{direction: "up", dsn: dsn}, &out))
	assert.Contains(t, out.String(), "pending=0")

	// Повторный up ничего не применяет.
	out.Reset()
	require.NoError(t, run(ctx, options{direction: "up", dsn: dsn}, &out))
	assert.NotContains(t, out.String(), "up 0")

	out.Reset()
	require.NoError(t, run(ctx, options{direction: "status", dsn: dsn}, &out))
	assert.Contains(t, out.String(), "migration status:")
}
