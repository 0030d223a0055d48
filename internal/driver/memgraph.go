package driver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type MemgraphDriver struct {
	Driver neo4j.DriverWithContext
	Log    *slog.Logger
}

func NewMemgraphDriver(ctx context.Context, uri, username, password string, log *slog.Logger) (*MemgraphDriver, error) {
	if log == nil {
		log = slog.Default()
	}
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, err
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}

	log.Info("connected to memgraph", "uri", uri)
	return &MemgraphDriver{Driver: driver, Log: log}, nil
}

func (d *MemgraphDriver) Close(ctx context.Context) error {
	return d.Driver.Close(ctx)
}

func (d *MemgraphDriver) ExecuteQuery(ctx context.Context, query string, params map[string]interface{}) (neo4j.EagerResult, error) {
	result, err := neo4j.ExecuteQuery(ctx, d.Driver, query, params, neo4j.EagerResultTransformer)
	if err != nil {
		return neo4j.EagerResult{}, fmt.Errorf("failed to execute query: %w", err)
	}
	return *result, nil
}

// IndexQueries index the id of every projected label.
var IndexQueries = []string{
	"CREATE INDEX ON :Card(id);",
	"CREATE INDEX ON :Document(id);",
	"CREATE INDEX ON :Variant(id);",
	"CREATE INDEX ON :Card(topic);",
}

func (d *MemgraphDriver) BuildIndices(ctx context.Context) error {
	for _, q := range IndexQueries {
		if _, err := d.ExecuteQuery(ctx, q, nil); err != nil {
			// Memgraph errors when the index already exists.
			d.Log.Warn("failed to create index", "query", q, "error", err)
		}
	}
	return nil
}
