/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
)

const (
	pagesTable       = "web_pages"
	pageKeyColumn    = "web_page_id"
	pageParentColumn = "parent_page_id"
)

// Lookup reads one record by key and returns the requested attributes. An
// empty attribute list returns the whole row.
func (d *Datasource) Lookup(ctx context.Context, recordType, keyAttribute, id string, attributes []string) (map[string]interface{}, error) {
	ctx, span := otel.Tracer("contentsync.database").Start(ctx, "Looking up record")
	defer span.End()

	query := fmt.Sprintf(`SELECT to_jsonb(t) FROM %s.%s t WHERE t.%s::text = $1`,
		pq.QuoteIdentifier(d.Schema), pq.QuoteIdentifier(recordType), pq.QuoteIdentifier(keyAttribute))

	var raw []byte
	if err := d.Conn.QueryRowContext(ctx, query, id).Scan(&raw); err != nil {
		return nil, classify(err, "lookup record")
	}

	row := make(map[string]interface{})
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, errors.Wrapf(err, "decode %s/%s", recordType, id)
	}

	if len(attributes) == 0 {
		return row, nil
	}
	out := make(map[string]interface{}, len(attributes))
	for _, a := range attributes {
		if v, ok := row[a]; ok {
			out[a] = v
		}
	}
	return out, nil
}

// ChildPages returns every page below pageID in the page hierarchy.
func (d *Datasource) ChildPages(ctx context.Context, pageID string) ([]string, error) {
	ctx, span := otel.Tracer("contentsync.database").Start(ctx, "Walking page hierarchy")
	defer span.End()

	table := fmt.Sprintf("%s.%s", pq.QuoteIdentifier(d.Schema), pq.QuoteIdentifier(pagesTable))
	query := fmt.Sprintf(`
		WITH RECURSIVE descendants AS (
			SELECT %[2]s::text AS id FROM %[1]s WHERE %[3]s::text = $1
			UNION
			SELECT p.%[2]s::text FROM %[1]s p JOIN descendants d ON p.%[3]s::text = d.id
		)
		SELECT id FROM descendants
	`, table, pageKeyColumn, pageParentColumn)

	rows, err := d.Conn.QueryContext(ctx, query, pageID)
	if err != nil {
		return nil, classify(err, "query child pages")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err, "scan child page")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterate child pages")
	}
	return ids, nil
}

// ListIDs returns every key of recordType. Used when a sink has to rebuild
// a whole record type.
func (d *Datasource) ListIDs(ctx context.Context, recordType, keyAttribute string) ([]string, error) {
	ctx, span := otel.Tracer("contentsync.database").Start(ctx, "Listing record ids")
	defer span.End()

	query := fmt.Sprintf(`SELECT t.%s::text FROM %s.%s t ORDER BY 1`,
		pq.QuoteIdentifier(keyAttribute), pq.QuoteIdentifier(d.Schema), pq.QuoteIdentifier(recordType))

	rows, err := d.Conn.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err, "list record ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err, "scan record id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterate record ids")
	}
	return ids, nil
}
