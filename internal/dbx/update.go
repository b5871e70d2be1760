package dbx

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
)

// UpdateColumns writes values into one row of table with a single UPDATE.
// Column names are checked against allowed, which must come from code and
// never from input. A missing row yields common.ErrorNotFound.
func UpdateColumns(ctx context.Context, db DBTX, table, id string, values map[string]string, allowed []string) error {
	if len(values) == 0 {
		return nil
	}

	cols := make([]string, 0, len(values))
	for c := range values {
		if !slices.Contains(allowed, c) {
			return fmt.Errorf("column %q is not writable in %s", c, table)
		}
		cols = append(cols, c)
	}
	slices.Sort(cols)

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", c, i+1)
		args = append(args, values[c])
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", table, strings.Join(sets, ", "), len(cols)+1)

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}
