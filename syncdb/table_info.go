// Copyright 2025 The Taskmesh Authors
// SPDX-License-Identifier: Apache-2.0

package syncdb

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

type tableInfoQueryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

// ColumnInfo describes one column of a synced table.
type ColumnInfo struct {
	Name         string
	DeclaredType string
	IsPrimaryKey bool
	NotNull      bool
}

// TableInfo holds cached structure for one table. Incoming change
// payloads are filtered against the column set before being turned into
// SQL, so a remote peer can never name a column that does not exist.
type TableInfo struct {
	Table   string
	Columns []ColumnInfo

	columnsLower map[string]bool
}

// HasColumn reports whether the table has the named column.
func (t *TableInfo) HasColumn(name string) bool {
	return t.columnsLower[strings.ToLower(name)]
}

// tableInfoProvider caches PRAGMA table_info results per store. Each
// Store carries its own provider; there is no process-wide cache.
type tableInfoProvider struct {
	mu    sync.RWMutex
	cache map[string]*TableInfo
}

func newTableInfoProvider() *tableInfoProvider {
	return &tableInfoProvider{cache: make(map[string]*TableInfo)}
}

// Get retrieves table structure, using the cache when available. The
// queryer may be a *sql.DB or an open *sql.Tx; pass the tx when holding
// one under a single-connection pool.
func (p *tableInfoProvider) Get(queryer tableInfoQueryer, tableName string) (*TableInfo, error) {
	key := strings.ToLower(tableName)

	p.mu.RLock()
	if info, ok := p.cache[key]; ok {
		p.mu.RUnlock()
		return info, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := p.cache[key]; ok {
		return info, nil
	}

	rows, err := queryer.Query(fmt.Sprintf("PRAGMA table_info(%s)", key))
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s: %w", tableName, err)
	}
	defer rows.Close()

	info := &TableInfo{Table: key, columnsLower: make(map[string]bool)}
	for rows.Next() {
		var cid int
		var name, declaredType string
		var notNull, pk int
		var defaultValue sql.NullString

		if err := rows.Scan(&cid, &name, &declaredType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}

		info.Columns = append(info.Columns, ColumnInfo{
			Name:         name,
			DeclaredType: declaredType,
			IsPrimaryKey: pk == 1,
			NotNull:      notNull == 1,
		})
		info.columnsLower[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", tableName)
	}

	p.cache[key] = info
	return info, nil
}

// ClearCache drops all cached table structure, e.g. after a restore
// replaced the underlying database file.
func (p *tableInfoProvider) ClearCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]*TableInfo)
}
