package db

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// TableNames lists the user tables of gdb.
func TableNames(ctx context.Context, gdb *gorm.DB) (map[string]bool, error) {
	var names []string
	err := gdb.WithContext(ctx).
		Raw("SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'").
		Scan(&names).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

// CountRows counts rows of every table in expected that exists and returns the
// names of the ones that do not.
func CountRows(ctx context.Context, gdb *gorm.DB, expected []string) (map[string]int64, []string, error) {
	present, err := TableNames(ctx, gdb)
	if err != nil {
		return nil, nil, err
	}
	counts := make(map[string]int64, len(expected))
	var missing []string
	for _, table := range expected {
		if !present[table] {
			missing = append(missing, table)
			continue
		}
		var n int64
		if err := gdb.WithContext(ctx).Raw("SELECT COUNT(*) FROM " + quoteIdent(table)).Scan(&n).Error; err != nil {
			return nil, nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, missing, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
