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
	"sync"
	"time"

	"github.com/blnkfinance/contentsync/config"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// SyncSchema holds the change journal and relationship registry.
	SyncSchema = "contentsync"

	defaultPageSize = 500
	defaultMaxPages = 20
)

var instance *Datasource
var once sync.Once

// Datasource is the Postgres backing store. Content tables live in Schema;
// the change journal lives in SyncSchema.
type Datasource struct {
	Conn     *sql.DB
	Schema   string
	PageSize int
	MaxPages int
}

// NewDataSource returns the process-wide Datasource, connecting on first use.
func NewDataSource(configuration *config.Configuration) (*Datasource, error) {
	return GetDBConnection(configuration)
}

// GetDBConnection connects once and hands out the same instance afterwards.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = New(con, configuration.DataSource.Schema, configuration.Sync.FetchPageSize)
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// New wraps an open connection.
func New(conn *sql.DB, schema string, pageSize int) *Datasource {
	if schema == "" {
		schema = "public"
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Datasource{Conn: conn, Schema: schema, PageSize: pageSize, MaxPages: defaultMaxPages}
}

// ConnectDB opens and pings a Postgres connection.
func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		logrus.WithError(err).Error("database connection error")
		_ = db.Close()
		return nil, errors.Wrap(err, "ping backing store")
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}
