package csvsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famedly/sync/internal/errtypes"
	"github.com/famedly/sync/internal/sources"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func drain(t *testing.T, src *Source) []sources.Result {
	t.Helper()
	var got []sources.Result
	for r := range src.Users(context.Background()) {
		got = append(got, r)
	}
	return got
}

func TestUsersDecodesRows(t *testing.T) {
	path := writeCSV(t, "email,first_name,last_name,phone,localpart\n"+
		"jane@example.com,Jane,Doe,+491234,jane.doe\n"+
		"john@example.com,John,Roe,,john.roe\n")

	src := New(path)
	results := drain(t, src)
	require.NoError(t, src.Err())
	require.Len(t, results, 2)

	for _, r := range results {
		require.NoError(t, r.Err)
	}
	assert.Equal(t, "jane.doe", results[0].User.Localpart)
	assert.Equal(t, "jane.doe", string(results[0].User.ExternalID))
	assert.True(t, results[0].User.Enabled)
	assert.Equal(t, "", results[1].User.Phone)
}

func TestUsersDuplicateEmailIsPerRecordError(t *testing.T) {
	path := writeCSV(t, "email,first_name,last_name,phone,localpart\n"+
		"jane@example.com,Jane,Doe,,jane.doe\n"+
		"jane@example.com,Jane,Two,,jane.two\n")

	src := New(path)
	results := drain(t, src)
	require.NoError(t, src.Err())
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.Error(t, results[1].Err)
	assert.Equal(t, errtypes.PerUser, errtypes.KindOf(results[1].Err))
}

func TestUsersMissingColumnIsFatal(t *testing.T) {
	path := writeCSV(t, "email,first_name,last_name\njane@example.com,Jane,Doe\n")

	src := New(path)
	results := drain(t, src)
	assert.Empty(t, results)
	require.Error(t, src.Err())
	assert.Equal(t, errtypes.SourceUnavailable, errtypes.KindOf(src.Err()))
}

func TestUsersMissingFileIsFatal(t *testing.T) {
	src := New("/nonexistent/roster.csv")
	results := drain(t, src)
	assert.Empty(t, results)
	require.Error(t, src.Err())
	assert.Equal(t, errtypes.SourceUnavailable, errtypes.KindOf(src.Err()))
}

func TestDeletesByAbsenceAlwaysTrue(t *testing.T) {
	assert.True(t, New("whatever.csv").DeletesByAbsence())
}
