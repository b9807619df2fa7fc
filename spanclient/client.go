// Copyright 2026 The LUCI Authors.
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

// Package spanclient is a small facade over the Cloud Spanner client for
// executing SQL queries, DML and simple transactions.
//
// Every operation records client-side metrics (latency, operation and attempt
// counts) through OpenTelemetry, under the meter that the monitoring exporter
// picks up.
package spanclient

import (
	"context"
	"maps"
	"regexp"
	"time"

	"cloud.google.com/go/spanner"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/api/option"

	"go.chromium.org/luci/common/errors"
)

// DefaultStaleness is the staleness of snapshot queries.
const DefaultStaleness = 15 * time.Second

// Method names used as the "method" metric attribute.
const (
	MethodQuery              = "ExecuteSqlQuery"
	MethodWrite              = "ExecuteSqlWrite"
	MethodRunTransaction     = "RunTransaction"
	MethodRunReadTransaction = "RunReadTransaction"
)

// ReadHandler processes the result of the read statement of
// RunReadTransaction. It may issue further statements on txn.
type ReadHandler func(ctx context.Context, rows *spanner.RowIterator, txn *spanner.ReadWriteTransaction) error

// Client executes statements against a single database.
type Client struct {
	client *spanner.Client
	ins    *instruments
}

type options struct {
	mp         metric.MeterProvider
	clientOpts []option.ClientOption
	config     spanner.ClientConfig
}

// Option configures a Client.
type Option func(*options)

// WithMeterProvider sets the provider of the meter that records client
// metrics. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.mp = mp }
}

// WithClientOptions passes options to the underlying spanner client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.clientOpts = append(o.clientOpts, opts...) }
}

// WithClientConfig sets the config of the underlying spanner client.
func WithClientConfig(cfg spanner.ClientConfig) Option {
	return func(o *options) { o.config = cfg }
}

func collect(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.mp == nil {
		o.mp = otel.GetMeterProvider()
	}
	return o
}

// New connects to the database.
//
// database has the form projects/P/instances/I/databases/D.
func New(ctx context.Context, database string, opts ...Option) (*Client, error) {
	if _, err := ParseDatabaseName(database); err != nil {
		return nil, err
	}
	o := collect(opts)
	client, err := spanner.NewClientWithConfig(ctx, database, o.config, o.clientOpts...)
	if err != nil {
		return nil, errors.Annotate(err, "failed to create spanner client for %q", database).Err()
	}
	ret, err := wrap(client, o)
	if err != nil {
		client.Close()
		return nil, err
	}
	return ret, nil
}

// Wrap wraps an existing spanner client. Client options are ignored.
func Wrap(client *spanner.Client, opts ...Option) (*Client, error) {
	return wrap(client, collect(opts))
}

func wrap(client *spanner.Client, o *options) (*Client, error) {
	ins, err := newInstruments(o.mp, client.DatabaseName())
	if err != nil {
		return nil, errors.Annotate(err, "failed to create instruments").Err()
	}
	return &Client{client: client, ins: ins}, nil
}

// Close closes the underlying spanner client.
func (c *Client) Close() {
	c.client.Close()
}

// DatabaseName returns the name of the database the client is connected to.
func (c *Client) DatabaseName() string {
	return c.client.DatabaseName()
}

// Query executes a strongly consistent single-use query, calling fn for each
// row.
func (c *Client) Query(ctx context.Context, sql string, params map[string]any, fn func(*spanner.Row) error) error {
	return c.QueryWithBound(ctx, sql, params, spanner.StrongRead(), fn)
}

// SnapshotQuery executes a single-use query at DefaultStaleness, calling fn for
// each row.
func (c *Client) SnapshotQuery(ctx context.Context, sql string, params map[string]any, fn func(*spanner.Row) error) error {
	return c.QueryWithBound(ctx, sql, params, spanner.ExactStaleness(DefaultStaleness), fn)
}

// QueryWithBound executes a single-use query with the given timestamp bound,
// calling fn for each row. If fn returns an error, iteration stops and the
// error is returned.
func (c *Client) QueryWithBound(ctx context.Context, sql string, params map[string]any, bound spanner.TimestampBound, fn func(*spanner.Row) error) error {
	stmt := NewStatement(sql, params)
	return c.ins.record(ctx, MethodQuery, func(ctx context.Context, _ *attemptCounter) error {
		return c.client.Single().WithTimestampBound(bound).Query(ctx, stmt).Do(fn)
	})
}

// Write executes a DML statement in a read-write transaction and returns the
// number of affected rows.
func (c *Client) Write(ctx context.Context, sql string, params map[string]any) (int64, error) {
	stmt := NewStatement(sql, params)
	var count int64
	err := c.ins.record(ctx, MethodWrite, func(ctx context.Context, attempts *attemptCounter) error {
		_, err := c.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
			attempts.inc()
			var err error
			count, err = txn.Update(ctx, stmt)
			return err
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// RunTransaction executes the DML statements as one batch in a single
// read-write transaction. Returns the number of affected rows per statement.
func (c *Client) RunTransaction(ctx context.Context, stmts []spanner.Statement) ([]int64, error) {
	if len(stmts) == 0 {
		return nil, nil
	}
	var counts []int64
	err := c.ins.record(ctx, MethodRunTransaction, func(ctx context.Context, attempts *attemptCounter) error {
		_, err := c.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
			attempts.inc()
			var err error
			counts, err = txn.BatchUpdate(ctx, stmts)
			return err
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// RunReadTransaction executes read in a read-write transaction and passes the
// result to handler within the same transaction.
//
// The handler may run more than once if the transaction aborts.
func (c *Client) RunReadTransaction(ctx context.Context, read spanner.Statement, handler ReadHandler) error {
	return c.ins.record(ctx, MethodRunReadTransaction, func(ctx context.Context, attempts *attemptCounter) error {
		_, err := c.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
			attempts.inc()
			rows := txn.Query(ctx, read)
			defer rows.Stop()
			return handler(ctx, rows, txn)
		})
		return err
	})
}

// NewStatement returns a statement with the given SQL.
//
// Parameters are bound only if there are any.
func NewStatement(sql string, params map[string]any) spanner.Statement {
	stmt := spanner.Statement{SQL: sql}
	if len(params) > 0 {
		stmt.Params = maps.Clone(params)
	}
	return stmt
}

// DatabaseName is a parsed Spanner database resource name.
type DatabaseName struct {
	Project  string
	Instance string
	Database string
}

// String returns the resource name.
func (n DatabaseName) String() string {
	return "projects/" + n.Project + "/instances/" + n.Instance + "/databases/" + n.Database
}

var databaseNameRe = regexp.MustCompile(`^projects/([^/]+)/instances/([^/]+)/databases/([^/]+)$`)

// ParseDatabaseName parses a name of the form
// projects/P/instances/I/databases/D.
func ParseDatabaseName(name string) (DatabaseName, error) {
	m := databaseNameRe.FindStringSubmatch(name)
	if m == nil {
		return DatabaseName{}, errors.Reason("invalid database name %q, want projects/P/instances/I/databases/D", name).Err()
	}
	return DatabaseName{Project: m[1], Instance: m[2], Database: m[3]}, nil
}
