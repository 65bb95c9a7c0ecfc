package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"dieforward.gg/internal/ledger"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateSettlement = errors.New("session already has a settlement")
)

// Store is the server's durable state: game sessions, corpses and
// settlements are written synchronously, and committed ledger entries are
// indexed by a background writer.
type Store struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropTxs atomic.Uint64
}

// req is one unit of work for the index writer. A non-nil done marks a
// flush barrier.
type req struct {
	entry ledger.TxLogEntry
	done  chan struct{}
}

type SessionRow struct {
	Token          string
	SessionID      string
	Wallet         string
	PlayerName     string
	StakeLamports  uint64
	Escrowed       bool
	StakeConfirmed bool
	Seed           int64
	Phase          string
	Zone           string
	Room           int
	Run            json.RawMessage
	FinalMessage   string
	DeathHash      string
	CreatedAt      int64
	EndedAt        int64
	UpdatedAt      int64
}

type CorpseRow struct {
	ID           string
	SessionID    string
	Zone         string
	Room         int
	PlayerName   string
	Wallet       string
	FinalMessage string
	DeathHash    string
	CreatedAt    int64
}

type SettlementRow struct {
	ID                  int64
	SessionID           string
	Kind                string
	Status              string
	Wallet              string
	StakeOwed           uint64
	BonusOwed           uint64
	DeathHash           string
	Attempts            int
	NeedsReconciliation bool
	TxID                string
	LastError           string
	CreatedAt           int64
	UpdatedAt           int64
}

type TxRow struct {
	Slot   uint64 `json:"slot"`
	Kind   string `json:"kind"`
	TxID   string `json:"tx_id,omitempty"`
	Digest string `json:"digest"`
	UnixMS int64  `json:"unix_ms"`
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropTxTotal   uint64 `json:"drop_tx_total"`
}

func OpenSQLite(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db: db,
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			session_id TEXT NOT NULL UNIQUE,
			wallet TEXT NOT NULL,
			player_name TEXT NOT NULL,
			stake_lamports INTEGER NOT NULL,
			escrowed INTEGER NOT NULL,
			stake_confirmed INTEGER NOT NULL,
			seed INTEGER NOT NULL,
			phase TEXT NOT NULL,
			zone TEXT NOT NULL,
			room INTEGER NOT NULL,
			run_json TEXT NOT NULL,
			final_message TEXT NOT NULL DEFAULT '',
			death_hash TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_phase ON sessions(phase, updated_at);`,
		`CREATE TABLE IF NOT EXISTS corpses (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL UNIQUE,
			zone TEXT NOT NULL,
			room INTEGER NOT NULL,
			player_name TEXT NOT NULL,
			wallet TEXT NOT NULL,
			final_message TEXT NOT NULL,
			death_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_corpses_zone_room ON corpses(zone, room, created_at);`,
		`CREATE TABLE IF NOT EXISTS settlements (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			wallet TEXT NOT NULL,
			stake_owed INTEGER NOT NULL,
			bonus_owed INTEGER NOT NULL,
			death_hash TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			needs_reconciliation INTEGER NOT NULL DEFAULT 0,
			tx_id TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements(status, needs_reconciliation);`,
		`CREATE TABLE IF NOT EXISTS ledger_txs (
			slot INTEGER PRIMARY KEY,
			kind TEXT NOT NULL,
			tx_id TEXT NOT NULL,
			digest TEXT NOT NULL,
			unix_ms INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_txs_tx_id ON ledger_txs(tx_id);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

const sessionCols = `token,session_id,wallet,player_name,stake_lamports,escrowed,stake_confirmed,seed,phase,zone,room,run_json,final_message,death_hash,created_at,ended_at,updated_at`

func sessionArgs(r SessionRow) []any {
	return []any{
		r.Token, r.SessionID, r.Wallet, r.PlayerName, int64(r.StakeLamports),
		b2i(r.Escrowed), b2i(r.StakeConfirmed), r.Seed, r.Phase, r.Zone, r.Room,
		string(r.Run), r.FinalMessage, r.DeathHash, r.CreatedAt, r.EndedAt, r.UpdatedAt,
	}
}

type scanner interface{ Scan(dest ...any) error }

func scanSession(sc scanner) (SessionRow, error) {
	var (
		r                   SessionRow
		stake               int64
		escrowed, confirmed int
		run                 string
	)
	err := sc.Scan(&r.Token, &r.SessionID, &r.Wallet, &r.PlayerName, &stake, &escrowed, &confirmed,
		&r.Seed, &r.Phase, &r.Zone, &r.Room, &run, &r.FinalMessage, &r.DeathHash,
		&r.CreatedAt, &r.EndedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.StakeLamports = uint64(stake)
	r.Escrowed = escrowed != 0
	r.StakeConfirmed = confirmed != 0
	r.Run = json.RawMessage(run)
	return r, nil
}

func (s *Store) InsertSession(ctx context.Context, r SessionRow) error {
	q := `INSERT INTO sessions(` + sessionCols + `) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	_, err := s.db.ExecContext(ctx, q, sessionArgs(r)...)
	return err
}

func (s *Store) UpdateSession(ctx context.Context, r SessionRow) error {
	return updateSession(ctx, s.db, r)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateSession(ctx context.Context, db execer, r SessionRow) error {
	res, err := db.ExecContext(ctx, `UPDATE sessions SET
		stake_confirmed=?, phase=?, room=?, run_json=?, final_message=?, death_hash=?, ended_at=?, updated_at=?
		WHERE token=?`,
		b2i(r.StakeConfirmed), r.Phase, r.Room, string(r.Run), r.FinalMessage, r.DeathHash, r.EndedAt, r.UpdatedAt, r.Token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, token string) (SessionRow, error) {
	return scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE token=?`, token))
}

func (s *Store) GetSessionByID(ctx context.Context, sessionID string) (SessionRow, error) {
	return scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE session_id=?`, sessionID))
}

// DeadWithoutWords lists dead sessions that never submitted a final message
// and were last touched at or before cutoff (unix ms).
func (s *Store) DeadWithoutWords(ctx context.Context, phase string, cutoff int64) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionCols+` FROM sessions
		WHERE phase=? AND death_hash='' AND updated_at<=? ORDER BY updated_at`, phase, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CommitEnding persists a session's terminal state together with its corpse
// and settlement, in one transaction. corpse and st may be nil. It returns
// the new settlement id, or 0 when st is nil.
func (s *Store) CommitEnding(ctx context.Context, sess SessionRow, corpse *CorpseRow, st *SettlementRow) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateSession(ctx, tx, sess); err != nil {
		return 0, err
	}
	if corpse != nil {
		if _, err := tx.ExecContext(ctx, `INSERT INTO corpses(id,session_id,zone,room,player_name,wallet,final_message,death_hash,created_at)
			VALUES(?,?,?,?,?,?,?,?,?)`,
			corpse.ID, corpse.SessionID, corpse.Zone, corpse.Room, corpse.PlayerName, corpse.Wallet,
			corpse.FinalMessage, corpse.DeathHash, corpse.CreatedAt); err != nil {
			return 0, err
		}
	}
	var id int64
	if st != nil {
		res, err := tx.ExecContext(ctx, `INSERT INTO settlements(session_id,kind,status,wallet,stake_owed,bonus_owed,death_hash,attempts,needs_reconciliation,tx_id,last_error,created_at,updated_at)
			VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(session_id) DO NOTHING`,
			st.SessionID, st.Kind, st.Status, st.Wallet, int64(st.StakeOwed), int64(st.BonusOwed), st.DeathHash,
			st.Attempts, b2i(st.NeedsReconciliation), st.TxID, st.LastError, st.CreatedAt, st.UpdatedAt)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, ErrDuplicateSettlement
		}
		if id, err = res.LastInsertId(); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

func (s *Store) Corpses(ctx context.Context, zone string, room int, limit int) ([]CorpseRow, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id,session_id,zone,room,player_name,wallet,final_message,death_hash,created_at FROM corpses WHERE zone=?`
	args := []any{zone}
	if room > 0 {
		q += ` AND room=?`
		args = append(args, room)
	}
	q += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CorpseRow
	for rows.Next() {
		var c CorpseRow
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Zone, &c.Room, &c.PlayerName, &c.Wallet, &c.FinalMessage, &c.DeathHash, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const settlementCols = `id,session_id,kind,status,wallet,stake_owed,bonus_owed,death_hash,attempts,needs_reconciliation,tx_id,last_error,created_at,updated_at`

func scanSettlement(sc scanner) (SettlementRow, error) {
	var (
		r            SettlementRow
		stake, bonus int64
		recon        int
	)
	err := sc.Scan(&r.ID, &r.SessionID, &r.Kind, &r.Status, &r.Wallet, &stake, &bonus, &r.DeathHash,
		&r.Attempts, &recon, &r.TxID, &r.LastError, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.StakeOwed = uint64(stake)
	r.BonusOwed = uint64(bonus)
	r.NeedsReconciliation = recon != 0
	return r, nil
}

func (s *Store) GetSettlement(ctx context.Context, id int64) (SettlementRow, error) {
	return scanSettlement(s.db.QueryRowContext(ctx, `SELECT `+settlementCols+` FROM settlements WHERE id=?`, id))
}

func (s *Store) SettlementForSession(ctx context.Context, sessionID string) (SettlementRow, error) {
	return scanSettlement(s.db.QueryRowContext(ctx, `SELECT `+settlementCols+` FROM settlements WHERE session_id=?`, sessionID))
}

// SettlementFilter narrows ListSettlements. Zero values match everything.
type SettlementFilter struct {
	Status    string
	Reconcile *bool
	Limit     int
}

func (s *Store) ListSettlements(ctx context.Context, f SettlementFilter) ([]SettlementRow, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.Reconcile != nil {
		where = append(where, "needs_reconciliation=?")
		args = append(args, b2i(*f.Reconcile))
	}
	q := `SELECT ` + settlementCols + ` FROM settlements`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SettlementRow
	for rows.Next() {
		r, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSettlement(ctx context.Context, r SettlementRow) error {
	res, err := s.db.ExecContext(ctx, `UPDATE settlements SET
		status=?, attempts=?, needs_reconciliation=?, tx_id=?, last_error=?, updated_at=?
		WHERE id=?`,
		r.Status, r.Attempts, b2i(r.NeedsReconciliation), r.TxID, r.LastError, r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// WriteTx queues a committed ledger entry for indexing. It never blocks; the
// JSONL tx log stays the source of truth when the index falls behind.
func (s *Store) WriteTx(e ledger.TxLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{entry: e}:
	default:
		s.dropTxs.Add(1)
	}
	return nil
}

func (s *Store) Stats() Stats {
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTxTotal:   s.dropTxs.Load(),
	}
}

func (s *Store) RecentTxs(ctx context.Context, limit int) ([]TxRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT slot,kind,tx_id,digest,unix_ms FROM ledger_txs ORDER BY slot DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TxRow
	for rows.Next() {
		var (
			r    TxRow
			slot int64
		)
		if err := rows.Scan(&slot, &r.Kind, &r.TxID, &r.Digest, &r.UnixMS); err != nil {
			return nil, err
		}
		r.Slot = uint64(slot)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Flush blocks until every tx entry queued before the call is committed.
func (s *Store) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) loop() {
	ctx := context.Background()

	insertTx, _ := s.db.Prepare(`INSERT OR REPLACE INTO ledger_txs(slot,kind,tx_id,digest,unix_ms,raw_json) VALUES(?,?,?,?,?,?)`)
	defer func() {
		if insertTx != nil {
			_ = insertTx.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		if r.done != nil {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil || insertTx == nil {
			continue
		}
		raw, _ := json.Marshal(r.entry)
		if _, err := tx.Stmt(insertTx).Exec(
			int64(r.entry.Slot),
			r.entry.Kind,
			r.entry.TxID,
			r.entry.Digest,
			r.entry.UnixMS,
			string(raw),
		); err != nil {
			rollback()
			continue
		}
		opCount++
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}

	commit()
}
