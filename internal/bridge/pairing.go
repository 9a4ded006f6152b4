// ABOUTME: SQLite-backed pairing registry for remote devices
// ABOUTME: Pending requests are approved or rejected; approval issues a node token

package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/willcshanahan/turngate/internal/auth"
)

// Pairing states.
const (
	PairingPending  = "pending"
	PairingApproved = "approved"
	PairingRejected = "rejected"
)

// Pairing errors.
var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrNotPending    = errors.New("pairing request is not pending")
	ErrNodeRejected  = errors.New("node is rejected")
	ErrNotApproved   = errors.New("node is not approved")
)

// nodeTokenTTL bounds issued node tokens; devices re-verify on reconnect
// while the token is valid and re-pair after it lapses.
const nodeTokenTTL = 90 * 24 * time.Hour

// PairedNode is one device known to the gateway.
type PairedNode struct {
	NodeID    string    `json:"nodeId"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PairingStore persists pairing state and issues node tokens on approval.
type PairingStore struct {
	db       *sql.DB
	verifier *auth.JWTVerifier
	logger   *slog.Logger
}

// NewPairingStore opens (or creates) the pairing database at path.
func NewPairingStore(path string, verifier *auth.JWTVerifier, logger *slog.Logger) (*PairingStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pairing-store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS paired_nodes (
			node_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &PairingStore{db: db, verifier: verifier, logger: logger}, nil
}

// Request registers a pairing request. Re-requesting while pending is a
// no-op; a rejected node stays rejected until an operator clears it.
func (p *PairingStore) Request(ctx context.Context, nodeID, name string) (*PairedNode, error) {
	existing, err := p.Get(ctx, nodeID)
	if err == nil {
		if existing.Status == PairingRejected {
			return nil, ErrNodeRejected
		}
		return existing, nil
	}
	if !errors.Is(err, ErrNodeNotFound) {
		return nil, err
	}

	now := time.Now()
	node := &PairedNode{NodeID: nodeID, Name: name, Status: PairingPending, CreatedAt: now, UpdatedAt: now}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO paired_nodes (node_id, name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		nodeID, name, PairingPending,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("recording pairing request: %w", err)
	}
	p.logger.Info("pairing requested", "node_id", nodeID, "name", name)
	return node, nil
}

// Approve transitions a pending request to approved and returns the node's
// bearer token.
func (p *PairingStore) Approve(ctx context.Context, nodeID string) (token string, err error) {
	node, err := p.Get(ctx, nodeID)
	if err != nil {
		return "", err
	}
	if node.Status != PairingPending {
		return "", fmt.Errorf("%w: node %s is %s", ErrNotPending, nodeID, node.Status)
	}
	if err := p.setStatus(ctx, nodeID, PairingApproved); err != nil {
		return "", err
	}

	token, err = p.verifier.Generate(nodeID, auth.ScopeNode, nodeTokenTTL)
	if err != nil {
		return "", fmt.Errorf("issuing node token: %w", err)
	}
	p.logger.Info("pairing approved", "node_id", nodeID)
	return token, nil
}

// Reject transitions a pending request to rejected.
func (p *PairingStore) Reject(ctx context.Context, nodeID string) error {
	node, err := p.Get(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.Status != PairingPending {
		return fmt.Errorf("%w: node %s is %s", ErrNotPending, nodeID, node.Status)
	}
	p.logger.Info("pairing rejected", "node_id", nodeID)
	return p.setStatus(ctx, nodeID, PairingRejected)
}

// Verify checks a node token against the pairing record. Both the signature
// and the approved status must hold.
func (p *PairingStore) Verify(ctx context.Context, nodeID, token string) error {
	claims, err := p.verifier.VerifyScope(token, auth.ScopeNode)
	if err != nil {
		return err
	}
	if claims.PrincipalID != nodeID {
		return fmt.Errorf("%w: token subject mismatch", auth.ErrInvalidToken)
	}
	node, err := p.Get(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.Status != PairingApproved {
		return fmt.Errorf("%w: node %s is %s", ErrNotApproved, nodeID, node.Status)
	}
	return nil
}

// Get returns one pairing record.
func (p *PairingStore) Get(ctx context.Context, nodeID string) (*PairedNode, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT node_id, name, status, created_at, updated_at
		FROM paired_nodes WHERE node_id = ?`, nodeID)

	var node PairedNode
	var createdAt, updatedAt string
	if err := row.Scan(&node.NodeID, &node.Name, &node.Status, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNodeNotFound
		}
		return nil, err
	}
	node.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	node.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &node, nil
}

// List returns every pairing record, pending first, then by name.
func (p *PairingStore) List(ctx context.Context) ([]*PairedNode, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT node_id, name, status, created_at, updated_at
		FROM paired_nodes
		ORDER BY CASE status WHEN 'pending' THEN 0 ELSE 1 END, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*PairedNode
	for rows.Next() {
		var node PairedNode
		var createdAt, updatedAt string
		if err := rows.Scan(&node.NodeID, &node.Name, &node.Status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		node.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		node.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		nodes = append(nodes, &node)
	}
	return nodes, rows.Err()
}

func (p *PairingStore) setStatus(ctx context.Context, nodeID, status string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE paired_nodes SET status = ?, updated_at = ? WHERE node_id = ?`,
		status, time.Now().Format(time.RFC3339Nano), nodeID)
	return err
}

// Close releases the underlying database.
func (p *PairingStore) Close() error {
	return p.db.Close()
}
