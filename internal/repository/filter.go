package repository

import (
	"strings"

	"github.com/and161185/televault/internal/model"
)

// AssetQuery is a dialect-neutral rendering of a ListFilter.
type AssetQuery struct {
	Join  string // extra joins after "FROM assets a"
	Where string // "WHERE ..." or ""
	Args  []any  // positional arguments in placeholder order
}

// BuildAssetQuery renders the filter conditions using placeholder(n) for the
// n-th (1-based) argument. likeOp is the case-insensitive LIKE operator of the
// dialect ("ILIKE" for PostgreSQL, "LIKE" for SQLite).
func BuildAssetQuery(f model.ListFilter, placeholder func(n int) string, likeOp string) AssetQuery {
	var (
		q     AssetQuery
		conds []string
	)
	next := func(v any) string {
		q.Args = append(q.Args, v)
		return placeholder(len(q.Args))
	}

	if f.Album != "" {
		q.Join = " JOIN album_assets aa ON aa.asset_id = a.id JOIN albums al ON al.id = aa.album_id"
		conds = append(conds, "al.name = "+next(f.Album))
	}
	if p := f.MIMEPattern(); p != "" {
		conds = append(conds, "a.mime_type "+likeOp+" "+next(p))
	}
	if f.Query != "" {
		conds = append(conds, "a.original_name "+likeOp+" "+next("%"+EscapeLike(f.Query)+"%")+` ESCAPE '\'`)
	}
	if len(conds) > 0 {
		q.Where = " WHERE " + strings.Join(conds, " AND ")
	}
	return q
}

// EscapeLike escapes LIKE wildcards so user text matches literally.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
