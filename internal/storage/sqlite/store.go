// Package sqlite implements storage.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"conto/internal/core"
	"conto/internal/log"
	"conto/internal/storage"

	sqlitedriver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const timeLayout = time.RFC3339Nano

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the database file if needed, applies migrations and returns a Store.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY between our own statements.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	slog.Info("SQLite store ready", log.FieldComponent, log.ComponentStorage, "path", dbPath)
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) NextID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE id_sequence SET value = value + 1 WHERE name = 'entity' RETURNING value`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("next id: %w", err)
	}
	return id, nil
}

func (s *Store) CreateGroup(ctx context.Context, g core.Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (id, name, description, currency_symbol, terms, add_user_account_on_join, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.Description, g.CurrencySymbol, g.Terms, g.AddUserAccountOnJoin, g.CreatedBy, formatTime(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("create group %d: %w", g.ID, mapError(err))
	}
	return nil
}

const groupColumns = `g.id, g.name, g.description, g.currency_symbol, g.terms, g.add_user_account_on_join, g.created_by, g.created_at`

func scanGroup(row interface{ Scan(...any) error }) (core.Group, error) {
	var (
		g         core.Group
		createdAt string
	)
	if err := row.Scan(&g.ID, &g.Name, &g.Description, &g.CurrencySymbol, &g.Terms,
		&g.AddUserAccountOnJoin, &g.CreatedBy, &createdAt); err != nil {
		return core.Group{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return core.Group{}, err
	}
	g.CreatedAt = t
	return g, nil
}

func (s *Store) GetGroup(ctx context.Context, id int64) (core.Group, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups g WHERE g.id = ?`, id)
	g, err := scanGroup(row)
	if err != nil {
		return core.Group{}, fmt.Errorf("get group %d: %w", id, mapError(err))
	}
	return g, nil
}

func (s *Store) UpdateGroup(ctx context.Context, g core.Group) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE groups
		SET name = ?, description = ?, currency_symbol = ?, terms = ?, add_user_account_on_join = ?
		WHERE id = ?`,
		g.Name, g.Description, g.CurrencySymbol, g.Terms, g.AddUserAccountOnJoin, g.ID)
	if err != nil {
		return fmt.Errorf("update group %d: %w", g.ID, mapError(err))
	}
	return expectOneRow(res, fmt.Sprintf("group %d", g.ID))
}

// groupTables lists the tables holding group data, children first.
var groupTables = []string{"group_log", "group_invites", "transactions", "accounts", "group_members"}

func (s *Store) DeleteGroup(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete group: %w", err)
	}
	defer tx.Rollback()

	for _, table := range groupTables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE group_id = ?`, id); err != nil {
			return fmt.Errorf("delete %s of group %d: %w", table, id, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete group %d: %w", id, err)
	}
	if err := expectOneRow(res, fmt.Sprintf("group %d", id)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete group %d: %w", id, err)
	}
	return nil
}

func (s *Store) ListGroups(ctx context.Context, userID int64) ([]core.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+groupColumns+`
		FROM groups g JOIN group_members m ON m.group_id = g.id
		WHERE m.user_id = ?
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
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM groups ORDER BY id`)
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
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM groups WHERE id = ?)`, m.GroupID).Scan(&exists); err != nil {
		return fmt.Errorf("check group %d: %w", m.GroupID, err)
	}
	if !exists {
		return fmt.Errorf("group %d: %w", m.GroupID, storage.ErrNotFound)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_members (group_id, user_id, is_owner, can_write, description, joined_at, invited_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.GroupID, m.UserID, m.IsOwner, m.CanWrite, m.Description, formatTime(m.JoinedAt), m.InvitedBy)
	if err != nil {
		return fmt.Errorf("add member %d to group %d: %w", m.UserID, m.GroupID, mapError(err))
	}
	return nil
}

const memberColumns = `group_id, user_id, is_owner, can_write, description, joined_at, invited_by`

func scanMember(row interface{ Scan(...any) error }) (core.Member, error) {
	var (
		m         core.Member
		joinedAt  string
		invitedBy sql.NullInt64
	)
	if err := row.Scan(&m.GroupID, &m.UserID, &m.IsOwner, &m.CanWrite, &m.Description, &joinedAt, &invitedBy); err != nil {
		return core.Member{}, err
	}
	t, err := parseTime(joinedAt)
	if err != nil {
		return core.Member{}, err
	}
	m.JoinedAt = t
	if invitedBy.Valid {
		id := invitedBy.Int64
		m.InvitedBy = &id
	}
	return m, nil
}

func (s *Store) Member(ctx context.Context, groupID, userID int64) (core.Member, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM group_members WHERE group_id = ? AND user_id = ?`, groupID, userID)
	m, err := scanMember(row)
	if err != nil {
		return core.Member{}, fmt.Errorf("member %d of group %d: %w", userID, groupID, mapError(err))
	}
	return m, nil
}

func (s *Store) Members(ctx context.Context, groupID int64) ([]core.Member, error) {
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memberColumns+` FROM group_members WHERE group_id = ? ORDER BY user_id`, groupID)
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE group_members SET is_owner = ?, can_write = ?, description = ?
		WHERE group_id = ? AND user_id = ?`,
		m.IsOwner, m.CanWrite, m.Description, m.GroupID, m.UserID)
	if err != nil {
		return fmt.Errorf("update member %d of group %d: %w", m.UserID, m.GroupID, err)
	}
	return expectOneRow(res, fmt.Sprintf("member %d of group %d", m.UserID, m.GroupID))
}

func (s *Store) RemoveMember(ctx context.Context, groupID, userID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ? AND user_id = ?`, groupID, userID)
	if err != nil {
		return fmt.Errorf("remove member %d of group %d: %w", userID, groupID, err)
	}
	return expectOneRow(res, fmt.Sprintf("member %d of group %d", userID, groupID))
}

func (s *Store) CreateInvite(ctx context.Context, inv core.GroupInvite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_invites (id, group_id, created_by, token, description, single_use, valid_until, join_as_editor)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.GroupID, inv.CreatedBy, inv.Token, inv.Description, inv.SingleUse, formatTime(inv.ValidUntil), inv.JoinAsEditor)
	if err != nil {
		return fmt.Errorf("create invite %d: %w", inv.ID, mapError(err))
	}
	return nil
}

const inviteColumns = `id, group_id, created_by, token, description, single_use, valid_until, join_as_editor`

func scanInvite(row interface{ Scan(...any) error }) (core.GroupInvite, error) {
	var (
		inv        core.GroupInvite
		validUntil string
	)
	if err := row.Scan(&inv.ID, &inv.GroupID, &inv.CreatedBy, &inv.Token, &inv.Description,
		&inv.SingleUse, &validUntil, &inv.JoinAsEditor); err != nil {
		return core.GroupInvite{}, err
	}
	t, err := parseTime(validUntil)
	if err != nil {
		return core.GroupInvite{}, err
	}
	inv.ValidUntil = t
	return inv, nil
}

func (s *Store) Invites(ctx context.Context, groupID int64) ([]core.GroupInvite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+inviteColumns+` FROM group_invites WHERE group_id = ? ORDER BY id`, groupID)
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
	row := s.db.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM group_invites WHERE token = ?`, token)
	inv, err := scanInvite(row)
	if err != nil {
		return core.GroupInvite{}, fmt.Errorf("invite by token: %w", mapError(err))
	}
	return inv, nil
}

func (s *Store) DeleteInvite(ctx context.Context, groupID, inviteID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM group_invites WHERE group_id = ? AND id = ?`, groupID, inviteID)
	if err != nil {
		return fmt.Errorf("delete invite %d: %w", inviteID, err)
	}
	return expectOneRow(res, fmt.Sprintf("invite %d of group %d", inviteID, groupID))
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
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO group_log (group_id, type, message, user_id, logged_at, affected_user_id)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		entry.GroupID, entry.Type, entry.Message, entry.UserID, formatTime(entry.LoggedAt), entry.AffectedUserID,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("append log: %w", mapError(err))
	}
	return nil
}

func (s *Store) ListLogs(ctx context.Context, groupID, afterID int64) ([]core.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, type, message, user_id, logged_at, affected_user_id
		FROM group_log WHERE group_id = ? AND id > ? ORDER BY id`, groupID, afterID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []core.LogEntry
	for rows.Next() {
		var (
			e        core.LogEntry
			loggedAt string
			affected sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.GroupID, &e.Type, &e.Message, &e.UserID, &loggedAt, &affected); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if e.LoggedAt, err = parseTime(loggedAt); err != nil {
			return nil, err
		}
		if affected.Valid {
			id := affected.Int64
			e.AffectedUserID = &id
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Snapshot reads accounts and transactions inside one transaction.
func (s *Store) Snapshot(ctx context.Context, groupID int64) (*storage.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	accounts, err := listEntities[core.AccountDetails](ctx, tx, "accounts", groupID)
	if err != nil {
		return nil, err
	}
	transactions, err := listEntities[core.TransactionDetails](ctx, tx, "transactions", groupID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("end snapshot: %w", err)
	}
	return &storage.Snapshot{
		GroupID:      groupID,
		Accounts:     accounts,
		Transactions: transactions,
		TakenAt:      s.now(),
	}, nil
}

// Table names below are package constants, never user input.

func insertEntity[D core.Details[D]](ctx context.Context, q querier, table string, e *core.Entity[D]) error {
	e.Seq = 1
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entity %d: %w", e.ID, err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO `+table+` (id, group_id, type, seq, data) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.GroupID, e.Type, e.Seq, string(data))
	if err != nil {
		e.Seq = 0
		return fmt.Errorf("insert entity %d: %w", e.ID, mapError(err))
	}
	return nil
}

func getEntity[D core.Details[D]](ctx context.Context, q querier, table string, id int64) (*core.Entity[D], error) {
	var (
		seq  int64
		data string
	)
	err := q.QueryRowContext(ctx, `SELECT seq, data FROM `+table+` WHERE id = ?`, id).Scan(&seq, &data)
	if err != nil {
		return nil, fmt.Errorf("get entity %d: %w", id, mapError(err))
	}
	return decodeEntity[D](seq, data)
}

func saveEntity[D core.Details[D]](ctx context.Context, q querier, table string, e *core.Entity[D]) error {
	next := *e
	next.Seq = e.Seq + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode entity %d: %w", e.ID, err)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE `+table+` SET seq = ?, data = ? WHERE id = ? AND seq = ?`,
		next.Seq, string(data), e.ID, e.Seq)
	if err != nil {
		return fmt.Errorf("save entity %d: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save entity %d: %w", e.ID, err)
	}
	if n == 0 {
		var exists bool
		if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = ?)`, e.ID).Scan(&exists); err != nil {
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
	rows, err := q.QueryContext(ctx, `SELECT seq, data FROM `+table+` WHERE group_id = ? ORDER BY id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var out []*core.Entity[D]
	for rows.Next() {
		var (
			seq  int64
			data string
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

func decodeEntity[D core.Details[D]](seq int64, data string) (*core.Entity[D], error) {
	var e core.Entity[D]
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	e.Seq = seq
	return &e, nil
}

func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var sqliteErr *sqlitedriver.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%v: %w", err, storage.ErrDuplicate)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%v: %w", err, storage.ErrNotFound)
		}
	}
	return err
}

// expectOneRow turns an update or delete that matched nothing into ErrNotFound.
func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

var _ storage.Store = (*Store)(nil)
