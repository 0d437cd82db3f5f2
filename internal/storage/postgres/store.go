// Package postgres implements storage.Store on PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"conto/internal/core"
	"conto/internal/log"
	"conto/internal/storage"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// Open migrates the schema and connects a pool to databaseURL.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if err := RunMigrations(databaseURL); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	slog.Info("PostgreSQL store ready", log.FieldComponent, log.ComponentStorage, "max_conns", config.MaxConns)
	return &Store{db: pool, now: time.Now}, nil
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func (s *Store) NextID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRow(ctx, "SELECT nextval('entity_id_seq')").Scan(&id); err != nil {
		return 0, fmt.Errorf("next id: %w", err)
	}
	return id, nil
}

func (s *Store) CreateGroup(ctx context.Context, g core.Group) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO groups (id, name, description, currency_symbol, terms, add_user_account_on_join, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		g.ID, g.Name, g.Description, g.CurrencySymbol, g.Terms, g.AddUserAccountOnJoin, g.CreatedBy, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("create group %d: %w", g.ID, mapError(err))
	}
	return nil
}

const groupColumns = `g.id, g.name, g.description, g.currency_symbol, g.terms, g.add_user_account_on_join, g.created_by, g.created_at`

func scanGroup(row pgx.Row) (core.Group, error) {
	var g core.Group
	err := row.Scan(&g.ID, &g.Name, &g.Description, &g.CurrencySymbol, &g.Terms,
		&g.AddUserAccountOnJoin, &g.CreatedBy, &g.CreatedAt)
	return g, err
}

func (s *Store) GetGroup(ctx context.Context, id int64) (core.Group, error) {
	g, err := scanGroup(s.db.QueryRow(ctx, `SELECT `+groupColumns+` FROM groups g WHERE g.id = $1`, id))
	if err != nil {
		return core.Group{}, fmt.Errorf("get group %d: %w", id, mapError(err))
	}
	return g, nil
}

func (s *Store) UpdateGroup(ctx context.Context, g core.Group) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE groups
		SET name = $1, description = $2, currency_symbol = $3, terms = $4, add_user_account_on_join = $5
		WHERE id = $6`,
		g.Name, g.Description, g.CurrencySymbol, g.Terms, g.AddUserAccountOnJoin, g.ID)
	if err != nil {
		return fmt.Errorf("update group %d: %w", g.ID, mapError(err))
	}
	return expectOneRow(tag, fmt.Sprintf("group %d", g.ID))
}

// groupTables lists the tables holding group data, children first.
var groupTables = []string{"group_log", "group_invites", "transactions", "accounts", "group_members"}

func (s *Store) DeleteGroup(ctx context.Context, id int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, table := range groupTables {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE group_id = $1`, id); err != nil {
			return fmt.Errorf("delete %s of group %d: %w", table, id, err)
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete group %d: %w", id, err)
	}
	if err := expectOneRow(tag, fmt.Sprintf("group %d", id)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *Store) ListGroups(ctx context.Context, userID int64) ([]core.Group, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+groupColumns+`
		FROM groups g JOIN group_members m ON m.group_id = g.id
		WHERE m.user_id = $1
		ORDER BY g.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []core.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) GroupIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list group ids: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) AddMember(ctx context.Context, m core.Member) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO group_members (group_id, user_id, is_owner, can_write, description, joined_at, invited_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.GroupID, m.UserID, m.IsOwner, m.CanWrite, m.Description, m.JoinedAt, m.InvitedBy)
	if err != nil {
		return fmt.Errorf("add member %d to group %d: %w", m.UserID, m.GroupID, mapError(err))
	}
	return nil
}

const memberColumns = `group_id, user_id, is_owner, can_write, description, joined_at, invited_by`

func scanMember(row pgx.Row) (core.Member, error) {
	var m core.Member
	err := row.Scan(&m.GroupID, &m.UserID, &m.IsOwner, &m.CanWrite, &m.Description, &m.JoinedAt, &m.InvitedBy)
	return m, err
}

func (s *Store) Member(ctx context.Context, groupID, userID int64) (core.Member, error) {
	m, err := scanMember(s.db.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM group_members WHERE group_id = $1 AND user_id = $2`, groupID, userID))
	if err != nil {
		return core.Member{}, fmt.Errorf("member %d of group %d: %w", userID, groupID, mapError(err))
	}
	return m, nil
}

func (s *Store) Members(ctx context.Context, groupID int64) ([]core.Member, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM groups WHERE id=$1)", groupID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check group %d: %w", groupID, err)
	}
	if !exists {
		return nil, fmt.Errorf("group %d: %w", groupID, storage.ErrNotFound)
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+memberColumns+` FROM group_members WHERE group_id = $1 ORDER BY user_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var out []core.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) UpdateMember(ctx context.Context, m core.Member) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE group_members SET is_owner = $1, can_write = $2, description = $3
		WHERE group_id = $4 AND user_id = $5`,
		m.IsOwner, m.CanWrite, m.Description, m.GroupID, m.UserID)
	if err != nil {
		return fmt.Errorf("update member %d of group %d: %w", m.UserID, m.GroupID, err)
	}
	return expectOneRow(tag, fmt.Sprintf("member %d of group %d", m.UserID, m.GroupID))
}

func (s *Store) RemoveMember(ctx context.Context, groupID, userID int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	if err != nil {
		return fmt.Errorf("remove member %d of group %d: %w", userID, groupID, err)
	}
	return expectOneRow(tag, fmt.Sprintf("member %d of group %d", userID, groupID))
}

func (s *Store) CreateInvite(ctx context.Context, inv core.GroupInvite) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO group_invites (id, group_id, created_by, token, description, single_use, valid_until, join_as_editor)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		inv.ID, inv.GroupID, inv.CreatedBy, inv.Token, inv.Description, inv.SingleUse, inv.ValidUntil, inv.JoinAsEditor)
	if err != nil {
		return fmt.Errorf("create invite %d: %w", inv.ID, mapError(err))
	}
	return nil
}

const inviteColumns = `id, group_id, created_by, token, description, single_use, valid_until, join_as_editor`

func scanInvite(row pgx.Row) (core.GroupInvite, error) {
	var inv core.GroupInvite
	err := row.Scan(&inv.ID, &inv.GroupID, &inv.CreatedBy, &inv.Token, &inv.Description,
		&inv.SingleUse, &inv.ValidUntil, &inv.JoinAsEditor)
	return inv, err
}

func (s *Store) Invites(ctx context.Context, groupID int64) ([]core.GroupInvite, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+inviteColumns+` FROM group_invites WHERE group_id = $1 ORDER BY id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	defer rows.Close()

	var out []core.GroupInvite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *Store) InviteByToken(ctx context.Context, token string) (core.GroupInvite, error) {
	inv, err := scanInvite(s.db.QueryRow(ctx, `SELECT `+inviteColumns+` FROM group_invites WHERE token = $1`, token))
	if err != nil {
		return core.GroupInvite{}, fmt.Errorf("invite by token: %w", mapError(err))
	}
	return inv, nil
}

// DeleteInvite reports ErrNotFound when another caller removed the invite first.
func (s *Store) DeleteInvite(ctx context.Context, groupID, inviteID int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM group_invites WHERE group_id = $1 AND id = $2`, groupID, inviteID)
	if err != nil {
		return fmt.Errorf("delete invite %d: %w", inviteID, err)
	}
	return expectOneRow(tag, fmt.Sprintf("invite %d of group %d", inviteID, groupID))
}

func (s *Store) InsertAccount(ctx context.Context, acc *core.Account) error {
	return insertEntity(ctx, s.db, "accounts", acc)
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*core.Account, error) {
	return getEntity[core.AccountDetails](ctx, s.db, "accounts", id)
}

func (s *Store) SaveAccount(ctx context.Context, acc *core.Account) error {
	return saveEntity(ctx, s.db, "accounts", acc)
}

func (s *Store) ListAccounts(ctx context.Context, groupID int64) ([]*core.Account, error) {
	return listEntities[core.AccountDetails](ctx, s.db, "accounts", groupID)
}

func (s *Store) InsertTransaction(ctx context.Context, tx *core.Transaction) error {
	return insertEntity(ctx, s.db, "transactions", tx)
}

func (s *Store) GetTransaction(ctx context.Context, id int64) (*core.Transaction, error) {
	return getEntity[core.TransactionDetails](ctx, s.db, "transactions", id)
}

func (s *Store) SaveTransaction(ctx context.Context, tx *core.Transaction) error {
	return saveEntity(ctx, s.db, "transactions", tx)
}

func (s *Store) ListTransactions(ctx context.Context, groupID int64) ([]*core.Transaction, error) {
	return listEntities[core.TransactionDetails](ctx, s.db, "transactions", groupID)
}

func (s *Store) AppendLog(ctx context.Context, entry *core.LogEntry) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO group_log (group_id, type, message, user_id, logged_at, affected_user_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		entry.GroupID, entry.Type, entry.Message, entry.UserID, entry.LoggedAt, entry.AffectedUserID,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("append log: %w", mapError(err))
	}
	return nil
}

func (s *Store) ListLogs(ctx context.Context, groupID, afterID int64) ([]core.LogEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, group_id, type, message, user_id, logged_at, affected_user_id
		FROM group_log WHERE group_id = $1 AND id > $2 ORDER BY id`, groupID, afterID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []core.LogEntry
	for rows.Next() {
		var e core.LogEntry
		if err := rows.Scan(&e.ID, &e.GroupID, &e.Type, &e.Message, &e.UserID, &e.LoggedAt, &e.AffectedUserID); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Snapshot reads accounts and transactions in one REPEATABLE READ transaction so
// balances never mix states from before and after a concurrent commit.
func (s *Store) Snapshot(ctx context.Context, groupID int64) (*storage.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	accounts, err := listEntities[core.AccountDetails](ctx, tx, "accounts", groupID)
	if err != nil {
		return nil, err
	}
	transactions, err := listEntities[core.TransactionDetails](ctx, tx, "transactions", groupID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return &storage.Snapshot{
		GroupID:      groupID,
		Accounts:     accounts,
		Transactions: transactions,
		TakenAt:      s.now(),
	}, nil
}

func insertEntity[D core.Details[D]](ctx context.Context, q querier, table string, e *core.Entity[D]) error {
	e.Seq = 1
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entity %d: %w", e.ID, err)
	}
	_, err = q.Exec(ctx,
		`INSERT INTO `+table+` (id, group_id, type, seq, data) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.GroupID, e.Type, e.Seq, data)
	if err != nil {
		e.Seq = 0
		return fmt.Errorf("insert entity %d: %w", e.ID, mapError(err))
	}
	return nil
}

func getEntity[D core.Details[D]](ctx context.Context, q querier, table string, id int64) (*core.Entity[D], error) {
	var (
		seq  int64
		data []byte
	)
	if err := q.QueryRow(ctx, `SELECT seq, data FROM `+table+` WHERE id = $1`, id).Scan(&seq, &data); err != nil {
		return nil, fmt.Errorf("get entity %d: %w", id, mapError(err))
	}
	return decodeEntity[D](seq, data)
}

// saveEntity is a single conditional UPDATE; zero affected rows means the seq moved.
func saveEntity[D core.Details[D]](ctx context.Context, q querier, table string, e *core.Entity[D]) error {
	next := *e
	next.Seq = e.Seq + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode entity %d: %w", e.ID, err)
	}
	tag, err := q.Exec(ctx,
		`UPDATE `+table+` SET seq = $1, data = $2 WHERE id = $3 AND seq = $4`,
		next.Seq, data, e.ID, e.Seq)
	if err != nil {
		return fmt.Errorf("save entity %d: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id=$1)`, e.ID).Scan(&exists); err != nil {
			return fmt.Errorf("save entity %d: %w", e.ID, err)
		}
		if !exists {
			return fmt.Errorf("entity %d: %w", e.ID, storage.ErrNotFound)
		}
		return fmt.Errorf("entity %d: %w", e.ID, storage.ErrStale)
	}
	e.Seq = next.Seq
	return nil
}

func listEntities[D core.Details[D]](ctx context.Context, q querier, table string, groupID int64) ([]*core.Entity[D], error) {
	rows, err := q.Query(ctx, `SELECT seq, data FROM `+table+` WHERE group_id = $1 ORDER BY id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var out []*core.Entity[D]
	for rows.Next() {
		var (
			seq  int64
			data []byte
		)
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		e, err := decodeEntity[D](seq, data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func decodeEntity[D core.Details[D]](seq int64, data []byte) (*core.Entity[D], error) {
	var e core.Entity[D]
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	e.Seq = seq
	return &e, nil
}

func expectOneRow(tag pgconn.CommandTag, what string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return nil
}

func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", pgErr.Message, storage.ErrDuplicate)
		case pgForeignKeyViolation:
			return fmt.Errorf("%s: %w", pgErr.Message, storage.ErrNotFound)
		}
	}
	return err
}

var _ storage.Store = (*Store)(nil)
