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
	"database/sql"

	"github.com/blnkfinance/contentsync/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

// DescribeRecordType resolves the key attribute, the attribute linking a
// record to scopeTable, and the relationship registered for link tables.
// A table without a single-column primary key comes back with an empty
// KeyAttribute rather than an error.
func (d *Datasource) DescribeRecordType(ctx context.Context, recordType, scopeTable string) (*model.RecordTypeInfo, error) {
	ctx, span := otel.Tracer("contentsync.database").Start(ctx, "Describing record type")
	defer span.End()

	info := &model.RecordTypeInfo{RecordType: recordType}

	keys, err := d.primaryKeyColumns(ctx, recordType)
	if err != nil {
		return nil, err
	}
	if len(keys) != 1 {
		logrus.WithFields(logrus.Fields{
			"record_type": recordType,
			"key_columns": keys,
		}).Warn("record type has no single-column primary key")
		return info, nil
	}
	info.KeyAttribute = keys[0]

	if scopeTable != "" && scopeTable != recordType {
		scope, err := d.scopeLinkColumn(ctx, recordType, scopeTable)
		if err != nil {
			return nil, err
		}
		info.ScopeLinkAttribute = scope
	}

	link, err := d.relationship(ctx, recordType)
	if err != nil {
		return nil, err
	}
	info.Link = link
	return info, nil
}

func (d *Datasource) primaryKeyColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1 AND tc.table_name = $2
		ORDER BY kcu.ordinal_position
	`, d.Schema, table)
	if err != nil {
		return nil, classify(err, "query primary key")
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, classify(err, "scan primary key")
		}
		columns = append(columns, c)
	}
	return columns, classify(rows.Err(), "iterate primary key")
}

func (d *Datasource) scopeLinkColumn(ctx context.Context, table, scopeTable string) (string, error) {
	var column string
	err := d.Conn.QueryRowContext(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1 AND tc.table_name = $2 AND ccu.table_name = $3
		ORDER BY kcu.column_name
		LIMIT 1
	`, d.Schema, table, scopeTable).Scan(&column)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", classify(err, "query scope link")
	}
	return column, nil
}

func (d *Datasource) relationship(ctx context.Context, table string) (*model.LinkInfo, error) {
	var link model.LinkInfo
	err := d.Conn.QueryRowContext(ctx, `
		SELECT relationship_name, from_type, from_attribute, to_type, to_attribute
		FROM contentsync.sync_relationships
		WHERE link_table = $1
	`, table).Scan(&link.RelationshipName, &link.FromType, &link.FromAttribute, &link.ToType, &link.ToAttribute)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "query relationship registry")
	}
	return &link, nil
}
