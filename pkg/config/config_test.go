package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("CR_DB_HOST", "db.internal")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"set variable", "host: ${CR_DB_HOST}", "host: db.internal"},
		{"set variable ignores default", "host: ${CR_DB_HOST:localhost}", "host: db.internal"},
		{"unset uses default", "port: ${CR_DB_PORT_UNSET:5432}", "port: 5432"},
		{"unset without default", "pw: ${CR_PW_UNSET}", "pw: "},
		{"empty default", "x: ${CR_X_UNSET:}", "x: "},
		{"plain text", "no vars here", "no vars here"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandEnv(tt.in))
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("CR_INT", "7")
	t.Setenv("CR_BAD_INT", "seven")
	t.Setenv("CR_FLOAT", "0.85")
	t.Setenv("CR_BOOL", "true")
	t.Setenv("CR_DUR", "250ms")
	t.Setenv("CR_SLICE", "a, b,,c")

	assert.Equal(t, 7, GetEnvInt("CR_INT", 1))
	assert.Equal(t, 1, GetEnvInt("CR_BAD_INT", 1))
	assert.Equal(t, 0.85, GetEnvFloat("CR_FLOAT", 0.8))
	assert.True(t, GetEnvBool("CR_BOOL", false))
	assert.Equal(t, 250*time.Millisecond, GetEnvDuration("CR_DUR", time.Second))
	assert.Equal(t, []string{"a", "b", "c"}, GetEnvSlice("CR_SLICE", nil))
	assert.Equal(t, "fallback", GetEnv("CR_MISSING", "fallback"))
}
