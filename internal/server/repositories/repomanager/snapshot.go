package repomanager

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// SQLitePath returns the file behind a SQLite DSN, or "" for in-memory
// databases.
func SQLitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == ":memory:" || strings.HasPrefix(p, ":memory:") {
		return ""
	}
	if u, err := url.PathUnescape(p); err == nil {
		p = u
	}
	return p
}

// SnapshotSQLite writes a consistent copy of the open database into a
// temporary file in dir with VACUUM INTO and returns its bytes.
func SnapshotSQLite(ctx context.Context, db *sql.DB, dir string) ([]byte, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	tmp := filepath.Join(dir, "snapshot-"+uuid.NewString()+".db")
	defer os.Remove(tmp)

	if _, err := db.ExecContext(ctx, `VACUUM INTO $1`, tmp); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return os.ReadFile(tmp)
}
