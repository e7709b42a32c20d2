package neo4j

import (
	"context"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Config names the nodes of one cluster. The first URI is the primary; the
// secondaries are kept in order because reads target the first of them.
type Config struct {
	PrimaryURI    string
	SecondaryURIs []string
	Username      string
	Password      string
	Database      string
}

func (c Config) Validate() error {
	if c.PrimaryURI == "" {
		return errors.New("neo4j primary uri is required")
	}
	if c.Username == "" {
		return errors.New("neo4j username is required")
	}
	return nil
}

// DriverExecutor runs every query in a managed transaction whose access mode
// matches the node's role.
type DriverExecutor struct {
	uri      string
	driver   neo4j.DriverWithContext
	mode     neo4j.AccessMode
	database string
}

func dialNode(ctx context.Context, uri string, cfg Config, mode neo4j.AccessMode) (*DriverExecutor, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create driver for %s: %w", uri, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify connectivity to %s: %w", uri, err)
	}
	return &DriverExecutor{uri: uri, driver: driver, mode: mode, database: cfg.Database}, nil
}

func (e *DriverExecutor) Run(ctx context.Context, q Query) ([]map[string]any, error) {
	session := e.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: e.mode, DatabaseName: e.database})
	defer session.Close(ctx)

	work := func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, q.Cypher, q.Params)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([]map[string]any, 0, len(records))
		for _, r := range records {
			rows = append(rows, r.AsMap())
		}
		return rows, nil
	}

	var (
		out any
		err error
	)
	if e.mode == neo4j.AccessModeWrite {
		out, err = session.ExecuteWrite(ctx, work)
	} else {
		out, err = session.ExecuteRead(ctx, work)
	}
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", q.Name, e.uri, err)
	}
	return out.([]map[string]any), nil
}

func (e *DriverExecutor) Close(ctx context.Context) error {
	return e.driver.Close(ctx)
}

// Dial returns a Connector that opens the primary in write mode and every
// secondary in read mode. A partial cluster is closed before the error is
// returned.
func Dial(cfg Config) Connector {
	return func(ctx context.Context) (*Cluster, error) {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		primary, err := dialNode(ctx, cfg.PrimaryURI, cfg, neo4j.AccessModeWrite)
		if err != nil {
			return nil, err
		}
		c := &Cluster{Primary: primary}
		for _, uri := range cfg.SecondaryURIs {
			secondary, err := dialNode(ctx, uri, cfg, neo4j.AccessModeRead)
			if err != nil {
				_ = c.Close(ctx)
				return nil, err
			}
			c.Secondaries = append(c.Secondaries, secondary)
		}
		return c, nil
	}
}
