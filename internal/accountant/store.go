// Package accountant samples per-peer WireGuard traffic counters on a
// timer, computes deltas across epoch resets, persists them to an
// embedded SQLite store, and serves the traffic query API (spec §4.4).
package accountant

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"

	"gatewayd/internal/migrate"
	"gatewayd/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// retentionWindowSeconds bounds how long traffic rows are kept (spec §4.4
// "Pruning removes rows older than 24 h").
const retentionWindowSeconds = 24 * 60 * 60

// Sample is one (network, peer, time) traffic row as persisted (spec §6's
// gateway_traffic schema).
type Sample struct {
	NetworkPubkey model.Key
	PeerPubkey    model.Key
	Time          int64
	RxRaw         uint64
	RxDelta       uint64
	TxRaw         uint64
	TxDelta       uint64
}

// Point is a single (time, rx, tx) delta observation, as returned from a
// traffic query.
type Point struct {
	Time int64  `json:"time"`
	Rx   uint64 `json:"rx"`
	Tx   uint64 `json:"tx"`
}

// NetworkTraffic groups a (network, peer) pair's points in ascending time
// order (spec §6's traffic response shape).
type NetworkTraffic struct {
	Network string  `json:"network"`
	Peer    string  `json:"peer"`
	Samples []Point `json:"samples"`
}

// Store is the embedded SQLite-backed traffic accountant persistence
// layer. Single-writer (the sampler), multi-reader (the query API), the
// same discipline the rest of the pack's sqlite-backed stores use (spec
// §5 "serialised by the underlying embedded DB's transaction discipline").
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the traffic store at path and
// applies any pending migrations. An empty path opens an in-memory
// database (spec §6 "--database <path> (absent ⇒ in-memory)").
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	scripts, err := migrate.Load(migrationsFS, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load traffic store migrations: %w", err)
	}
	if err := migrate.Apply(ctx, db, scripts); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply traffic store migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert appends samples and opportunistically prunes rows older than the
// retention window (spec §4.4 "Pruning... runs opportunistically after
// inserts").
func (s *Store) Insert(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO gateway_traffic
	(network_pubkey, peer_pubkey, time, traffic_tx, traffic_tx_raw, traffic_rx, traffic_rx_raw)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	var newest int64
	for _, s := range samples {
		if _, err := stmt.ExecContext(ctx, s.NetworkPubkey[:], s.PeerPubkey[:], s.Time, s.TxDelta, s.TxRaw, s.RxDelta, s.RxRaw); err != nil {
			return fmt.Errorf("insert traffic row: %w", err)
		}
		if s.Time > newest {
			newest = s.Time
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM gateway_traffic WHERE time < ?`, newest-retentionWindowSeconds); err != nil {
		return fmt.Errorf("prune old traffic rows: %w", err)
	}

	return tx.Commit()
}

// Since returns every row with time > since, grouped by (network, peer) in
// ascending time order (spec §4.4's query semantics).
func (s *Store) Since(ctx context.Context, since int64) ([]NetworkTraffic, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT network_pubkey, peer_pubkey, time, traffic_rx, traffic_tx
FROM gateway_traffic
WHERE time > ?
ORDER BY network_pubkey, peer_pubkey, time ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("query traffic: %w", err)
	}
	defer rows.Close()

	type groupKey struct{ network, peer string }
	order := make([]groupKey, 0)
	groups := make(map[groupKey]*NetworkTraffic)

	for rows.Next() {
		var networkRaw, peerRaw []byte
		var t int64
		var rx, tx uint64
		if err := rows.Scan(&networkRaw, &peerRaw, &t, &rx, &tx); err != nil {
			return nil, fmt.Errorf("scan traffic row: %w", err)
		}
		network := model.Key{}
		copy(network[:], networkRaw)
		peer := model.Key{}
		copy(peer[:], peerRaw)

		key := groupKey{network: network.String(), peer: peer.String()}
		g, ok := groups[key]
		if !ok {
			g = &NetworkTraffic{Network: key.network, Peer: key.peer}
			groups[key] = g
			order = append(order, key)
		}
		g.Samples = append(g.Samples, Point{Time: t, Rx: rx, Tx: tx})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traffic rows: %w", err)
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].network != order[j].network {
			return order[i].network < order[j].network
		}
		return order[i].peer < order[j].peer
	})

	out := make([]NetworkTraffic, 0, len(order))
	for _, key := range order {
		out = append(out, *groups[key])
	}
	return out, nil
}
