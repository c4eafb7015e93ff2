package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
)

const createNodesTable = `
CREATE TABLE IF NOT EXISTS nodes (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT,
    hostname      TEXT,
    status        TEXT NOT NULL,
    inventory     TEXT,
    registered_at INTEGER NOT NULL,
    last_seen     INTEGER NOT NULL
)`

// UpsertNode inserts a node or replaces its inventory and status. The
// original registration time is kept.
func (s *SQLiteStore) UpsertNode(ctx context.Context, n *model.Node) error {
	if n.RegisteredAt.IsZero() {
		n.RegisteredAt = s.now().UTC()
	}
	if n.LastSeen.IsZero() {
		n.LastSeen = n.RegisteredAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, tenant_id, hostname, status, inventory, registered_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			hostname = excluded.hostname,
			status = excluded.status,
			inventory = excluded.inventory,
			last_seen = excluded.last_seen`,
		n.ID, n.TenantID, n.Hostname, n.Status, string(n.Inventory),
		n.RegisteredAt.UnixNano(), n.LastSeen.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

// GetNode retrieves a node by ID.
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*model.Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, hostname, status, inventory, registered_at, last_seen
		FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

// ListNodes returns all known nodes ordered by id.
func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*model.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, hostname, status, inventory, registered_at, last_seen
		FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return nodes, nil
}

// SetNodeStatus records a node going online or offline. Unknown nodes are
// created with no inventory.
func (s *SQLiteStore) SetNodeStatus(ctx context.Context, id, status string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, status, registered_at, last_seen) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, last_seen = excluded.last_seen`,
		id, status, at.UnixNano(), at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("set node status: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(r rowScanner) (*model.Node, error) {
	var (
		n                    model.Node
		tenant, host, inv    sql.NullString
		registered, lastSeen int64
	)
	if err := r.Scan(&n.ID, &tenant, &host, &n.Status, &inv, &registered, &lastSeen); err != nil {
		return nil, err
	}
	n.TenantID = tenant.String
	n.Hostname = host.String
	if inv.String != "" {
		n.Inventory = []byte(inv.String)
	}
	n.RegisteredAt = time.Unix(0, registered).UTC()
	n.LastSeen = time.Unix(0, lastSeen).UTC()
	return &n, nil
}
