package migrations

import (
	"io/fs"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(FS, ".")
	require.NoError(t, err)

	var up, down []string
	for _, entry := range entries {
		switch {
		case strings.HasSuffix(entry.Name(), ".up.sql"):
			up = append(up, strings.TrimSuffix(entry.Name(), ".up.sql"))
		case strings.HasSuffix(entry.Name(), ".down.sql"):
			down = append(down, strings.TrimSuffix(entry.Name(), ".down.sql"))
		}
	}
	sort.Strings(up)
	sort.Strings(down)

	require.NotEmpty(t, up)
	assert.Equal(t, up, down, "every up migration needs a down migration")
	assert.Equal(t, "000001_init_schema", up[0])
}

func TestInitSchemaCreatesTables(t *testing.T) {
	data, err := fs.ReadFile(FS, "000001_init_schema.up.sql")
	require.NoError(t, err)

	for _, table := range []string{
		"obligations",
		"compiled_rules",
		"overlap_advisories",
		"audit_entries",
		"kafka_dlq_messages",
		"manual_review_items",
	} {
		assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
}
