package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/mossy-p/sdp-rendezvous/internal/clock"
	"github.com/mossy-p/sdp-rendezvous/internal/database"
	"github.com/mossy-p/sdp-rendezvous/internal/models"
)

const recordColumns = `id, owner, offerer_client_id, role, answerer_client_id,
	offer, answer, error_message, created_at, updated_at, deleted_at`

// SQLite is the Store backed by a local SQLite database.
type SQLite struct {
	pool  *database.Pool
	clock clock.Clock
}

// Config holds the parameters for OpenSQLite.
type Config struct {
	Path     string
	PoolSize int
	Clock    clock.Clock
	Logger   *slog.Logger
}

// OpenSQLite opens (and if needed creates) the exchange database.
func OpenSQLite(cfg Config) (*SQLite, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	pool, err := database.Open(database.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("exchange store: %w", err)
	}
	return &SQLite{pool: pool, clock: clk}, nil
}

func (s *SQLite) Close() error {
	return s.pool.Close()
}

func (s *SQLite) InTx(ctx context.Context, fn func(Tx) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return wrap("take connection", err)
	}
	defer s.pool.Put(conn)

	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return wrap("begin", err)
	}
	if err := fn(&sqliteTx{conn: conn, clock: s.clock}); err != nil {
		end(&err)
		return err
	}
	var commitErr error
	end(&commitErr)
	return wrap("commit", commitErr)
}

func (s *SQLite) View(ctx context.Context, fn func(Tx) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return wrap("take connection", err)
	}
	defer s.pool.Put(conn)

	end := sqlitex.Transaction(conn)
	err = fn(&sqliteTx{conn: conn, clock: s.clock})
	end(&err)
	return err
}

func (s *SQLite) AgeOut(ctx context.Context, olderThan time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, wrap("take connection", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE sdp_exchange SET deleted_at = ?, error_message = 'expired'
		WHERE deleted_at IS NULL AND created_at < ?`,
		&sqlitex.ExecOptions{Args: []any{s.clock.Now().UnixNano(), olderThan.UnixNano()}})
	if err != nil {
		return 0, wrap("age out", err)
	}
	return conn.Changes(), nil
}

type sqliteTx struct {
	conn  *sqlite.Conn
	clock clock.Clock
}

func (tx *sqliteTx) now() int64 { return tx.clock.Now().UnixNano() }

func (tx *sqliteTx) InsertOffer(owner models.OwnerID, offererClientID uuid.UUID, role models.Role, offer []byte) (uuid.UUID, error) {
	if _, err := tx.SoftDeleteUnclaimed(owner, offererClientID); err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: generating exchange id: %w", err)
	}
	if offer == nil {
		offer = []byte{}
	}
	err = sqlitex.Execute(tx.conn,
		`INSERT INTO sdp_exchange (id, owner, offerer_client_id, role, offer, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			id.String(), string(owner), offererClientID.String(), string(role), offer, tx.now(),
		}})
	if err != nil {
		return uuid.Nil, wrap("insert offer", err)
	}
	return id, nil
}

func (tx *sqliteTx) ClaimPending(owner models.OwnerID, targetRole models.Role, claimant uuid.UUID, exclude []uuid.UUID, validity time.Duration) (int, error) {
	now := tx.clock.Now()
	var query strings.Builder
	query.WriteString(`UPDATE sdp_exchange SET answerer_client_id = ?, updated_at = ?
		WHERE owner = ? AND role = ?
		AND answerer_client_id IS NULL AND answer IS NULL AND deleted_at IS NULL
		AND created_at >= ? AND offerer_client_id <> ?`)
	args := []any{
		claimant.String(), now.UnixNano(),
		string(owner), string(targetRole),
		now.Add(-validity).UnixNano(), claimant.String(),
	}
	if len(exclude) > 0 {
		query.WriteString(" AND offerer_client_id NOT IN (")
		for i, client := range exclude {
			if i > 0 {
				query.WriteString(", ")
			}
			query.WriteString("?")
			args = append(args, client.String())
		}
		query.WriteString(")")
	}

	if err := sqlitex.ExecuteTransient(tx.conn, query.String(), &sqlitex.ExecOptions{Args: args}); err != nil {
		return 0, wrap("claim pending", err)
	}
	return tx.conn.Changes(), nil
}

func (tx *sqliteTx) GetClaimedUnanswered(owner models.OwnerID, claimant uuid.UUID) ([]Record, error) {
	var records []Record
	err := sqlitex.Execute(tx.conn,
		`SELECT `+recordColumns+` FROM sdp_exchange
		WHERE owner = ? AND answerer_client_id = ? AND answer IS NULL AND deleted_at IS NULL
		ORDER BY created_at, id`,
		&sqlitex.ExecOptions{
			Args: []any{string(owner), claimant.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record, err := scanRecord(stmt)
				if err != nil {
					return err
				}
				records = append(records, record)
				return nil
			},
		})
	if err != nil {
		return nil, wrap("get claimed", err)
	}
	return records, nil
}

func (tx *sqliteTx) ReleaseClaim(owner models.OwnerID, claimant uuid.UUID) (int, error) {
	err := sqlitex.Execute(tx.conn,
		`UPDATE sdp_exchange SET answerer_client_id = NULL, updated_at = ?
		WHERE owner = ? AND answerer_client_id = ? AND answer IS NULL AND deleted_at IS NULL`,
		&sqlitex.ExecOptions{Args: []any{tx.now(), string(owner), claimant.String()}})
	if err != nil {
		return 0, wrap("release claim", err)
	}
	return tx.conn.Changes(), nil
}

func (tx *sqliteTx) SetAnswer(owner models.OwnerID, id uuid.UUID, claimant uuid.UUID, answer []byte) (bool, error) {
	if answer == nil {
		answer = []byte{}
	}
	err := sqlitex.Execute(tx.conn,
		`UPDATE sdp_exchange SET answer = ?, updated_at = ?
		WHERE id = ? AND owner = ? AND answerer_client_id = ?
		AND answer IS NULL AND deleted_at IS NULL`,
		&sqlitex.ExecOptions{Args: []any{answer, tx.now(), id.String(), string(owner), claimant.String()}})
	if err != nil {
		return false, wrap("set answer", err)
	}
	return tx.conn.Changes() == 1, nil
}

func (tx *sqliteTx) GetAnswer(owner models.OwnerID, offererClientID uuid.UUID, id uuid.UUID) (*Record, error) {
	return tx.getOne("get answer",
		`SELECT `+recordColumns+` FROM sdp_exchange
		WHERE id = ? AND owner = ? AND offerer_client_id = ? AND deleted_at IS NULL`,
		id.String(), string(owner), offererClientID.String())
}

func (tx *sqliteTx) Get(owner models.OwnerID, offererClientID uuid.UUID, id uuid.UUID) (*Record, error) {
	return tx.getOne("get",
		`SELECT `+recordColumns+` FROM sdp_exchange
		WHERE id = ? AND owner = ? AND offerer_client_id = ?`,
		id.String(), string(owner), offererClientID.String())
}

func (tx *sqliteTx) getOne(op, query string, args ...any) (*Record, error) {
	var found *Record
	err := sqlitex.Execute(tx.conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			record, err := scanRecord(stmt)
			if err != nil {
				return err
			}
			found = &record
			return nil
		},
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return found, nil
}

func (tx *sqliteTx) SoftDelete(owner models.OwnerID, offererClientID uuid.UUID, id uuid.UUID) (bool, error) {
	err := sqlitex.Execute(tx.conn,
		`UPDATE sdp_exchange SET deleted_at = ?
		WHERE id = ? AND owner = ? AND offerer_client_id = ? AND deleted_at IS NULL`,
		&sqlitex.ExecOptions{Args: []any{tx.now(), id.String(), string(owner), offererClientID.String()}})
	if err != nil {
		return false, wrap("soft delete", err)
	}
	return tx.conn.Changes() == 1, nil
}

func (tx *sqliteTx) SoftDeleteUnclaimed(owner models.OwnerID, offererClientID uuid.UUID) (int, error) {
	err := sqlitex.Execute(tx.conn,
		`UPDATE sdp_exchange SET deleted_at = ?
		WHERE owner = ? AND offerer_client_id = ?
		AND answerer_client_id IS NULL AND answer IS NULL AND deleted_at IS NULL`,
		&sqlitex.ExecOptions{Args: []any{tx.now(), string(owner), offererClientID.String()}})
	if err != nil {
		return 0, wrap("soft delete unclaimed", err)
	}
	return tx.conn.Changes(), nil
}

func scanRecord(stmt *sqlite.Stmt) (Record, error) {
	var record Record
	var err error
	if record.ID, err = uuid.Parse(stmt.ColumnText(0)); err != nil {
		return Record{}, fmt.Errorf("store: bad exchange id: %w", err)
	}
	record.Owner = models.OwnerID(stmt.ColumnText(1))
	if record.OffererClientID, err = uuid.Parse(stmt.ColumnText(2)); err != nil {
		return Record{}, fmt.Errorf("store: bad offerer client id: %w", err)
	}
	record.Role = models.Role(stmt.ColumnText(3))
	if stmt.ColumnType(4) != sqlite.TypeNull {
		answerer, err := uuid.Parse(stmt.ColumnText(4))
		if err != nil {
			return Record{}, fmt.Errorf("store: bad answerer client id: %w", err)
		}
		record.AnswererClientID = &answerer
	}
	record.Offer = columnBlob(stmt, 5)
	if stmt.ColumnType(6) != sqlite.TypeNull {
		record.Answer = columnBlob(stmt, 6)
	}
	record.ErrorMessage = stmt.ColumnText(7)
	record.CreatedAt = time.Unix(0, stmt.ColumnInt64(8)).UTC()
	record.UpdatedAt = columnTime(stmt, 9)
	record.DeletedAt = columnTime(stmt, 10)
	return record, nil
}

func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	return buf
}

func columnTime(stmt *sqlite.Stmt, col int) *time.Time {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	t := time.Unix(0, stmt.ColumnInt64(col)).UTC()
	return &t
}
