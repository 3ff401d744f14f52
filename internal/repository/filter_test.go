package repository

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/televault/internal/model"
)

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

func TestBuildAssetQuery_Empty(t *testing.T) {
	q := BuildAssetQuery(model.ListFilter{}, dollar, "ILIKE")
	require.Empty(t, q.Join)
	require.Empty(t, q.Where)
	require.Empty(t, q.Args)
}

func TestBuildAssetQuery_AllConditions(t *testing.T) {
	f := model.ListFilter{Album: "trip", MIMECategory: "image", Query: "50%_off"}.Normalize()
	q := BuildAssetQuery(f, dollar, "ILIKE")

	require.Contains(t, q.Join, "JOIN albums al")
	require.Equal(t,
		` WHERE al.name = $1 AND a.mime_type ILIKE $2 AND a.original_name ILIKE $3 ESCAPE '\'`,
		q.Where)
	require.Equal(t, []any{"trip", "image/%", `%50\%\_off%`}, q.Args)
}

func TestBuildAssetQuery_QuestionPlaceholders(t *testing.T) {
	q := BuildAssetQuery(model.ListFilter{Query: "cat"}, func(int) string { return "?" }, "LIKE")
	require.Equal(t, ` WHERE a.original_name LIKE ? ESCAPE '\'`, q.Where)
	require.Equal(t, []any{"%cat%"}, q.Args)
}
