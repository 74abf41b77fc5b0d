// Copyright 2024 The Datalith Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package datalith

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const defaultItemsPerPage = 100

// OrderMethod is the direction of a single ORDER BY column.
type OrderMethod int

const (
	OrderAscending OrderMethod = iota
	OrderDescending
)

func (m OrderMethod) sql() string {
	if m == OrderDescending {
		return "DESC"
	}
	return "ASC"
}

// OrderByColumn names one column of a list's ordering. Column must be one of
// the names the listing call documents as sortable; unrecognized names are
// dropped rather than rejected, the same permissive posture ApplyEnv takes
// with malformed environment overrides.
type OrderByColumn struct {
	Column string
	Method OrderMethod
}

// PaginationOptions selects one page of a list and how it should be ordered.
// The zero value requests page 1, the default page size, and each listing's
// default order.
type PaginationOptions struct {
	Page         int
	ItemsPerPage int
	OrderBy      []OrderByColumn
}

// Pagination reports where the returned page sits within the full result
// set, so a caller can tell it asked for a page beyond the end.
type Pagination struct {
	Page         int
	ItemsPerPage int
	TotalItems   int
	TotalPages   int
}

func (p Pagination) clampedPage() int {
	if p.TotalItems == 0 {
		return 1
	}
	if p.Page > p.TotalPages {
		return p.TotalPages
	}
	return p.Page
}

// idListing describes a single table's id listing: the FROM/WHERE clause
// ids are drawn from, the columns a caller is allowed to order by, and the
// order applied when the caller names none.
type idListing struct {
	table        string
	where        string
	whereArgs    []any
	allowedOrder map[string]bool
	defaultOrder []OrderByColumn
}

func (l idListing) orderByClause(requested []OrderByColumn) string {
	order := requested
	if len(order) == 0 {
		order = l.defaultOrder
	}

	var parts []string
	seenID := false
	for _, col := range order {
		if !l.allowedOrder[col.Column] {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s", col.Column, col.Method.sql()))
		if col.Column == "id" {
			seenID = true
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "created_at ASC")
	}
	if !seenID {
		// id is the tiebreaker that makes every page's boundary
		// deterministic even when the leading column has duplicates.
		parts = append(parts, "id ASC")
	}
	return strings.Join(parts, ", ")
}

// paginateIDs returns one page of ids from listing, re-querying once with
// the page clamped to the last non-empty page if the requested page lies
// beyond it.
func paginateIDs(ctx context.Context, db *sql.DB, listing idListing, opts PaginationOptions) ([]uuid.UUID, Pagination, error) {
	itemsPerPage := opts.ItemsPerPage
	if itemsPerPage <= 0 {
		itemsPerPage = defaultItemsPerPage
	}
	page := opts.Page
	if page <= 0 {
		page = 1
	}

	whereSQL := ""
	if listing.where != "" {
		whereSQL = "WHERE " + listing.where
	}

	var totalItems int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s %s`, listing.table, whereSQL)
	if err := db.QueryRowContext(ctx, countQuery, listing.whereArgs...).Scan(&totalItems); err != nil {
		return nil, Pagination{}, wrapSQL(err)
	}

	totalPages := (totalItems + itemsPerPage - 1) / itemsPerPage
	pagination := Pagination{Page: page, ItemsPerPage: itemsPerPage, TotalItems: totalItems, TotalPages: totalPages}

	retried := false
	for {
		if clamped := pagination.clampedPage(); clamped != page && !retried {
			page = clamped
			pagination.Page = page
			retried = true
		}

		ids, err := queryIDPage(ctx, db, listing, opts.OrderBy, page, itemsPerPage)
		if err != nil {
			return nil, Pagination{}, err
		}

		if len(ids) == 0 && totalItems > 0 && page > 1 && !retried {
			retried = true
			page = pagination.TotalPages
			pagination.Page = page
			continue
		}

		pagination.Page = page
		return ids, pagination, nil
	}
}

func queryIDPage(ctx context.Context, db *sql.DB, listing idListing, orderBy []OrderByColumn, page, itemsPerPage int) ([]uuid.UUID, error) {
	whereSQL := ""
	if listing.where != "" {
		whereSQL = "WHERE " + listing.where
	}
	offset := (page - 1) * itemsPerPage

	query := fmt.Sprintf(`SELECT id FROM %s %s ORDER BY %s LIMIT ? OFFSET ?`,
		listing.table, whereSQL, listing.orderByClause(orderBy))
	args := append(append([]any{}, listing.whereArgs...), itemsPerPage, offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapSQL(err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var idBytes []byte
		if err := rows.Scan(&idBytes); err != nil {
			return nil, wrapSQL(err)
		}
		id, err := uuid.FromBytes(idBytes)
		if err != nil {
			return nil, wrapIO(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQL(err)
	}
	return ids, nil
}
