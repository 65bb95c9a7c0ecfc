package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// dbCmd reads the local index directly. The server may be running; queries
// are read-only.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index/dieforward.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	phase := fs.String("phase", "", "phase filter (sessions)")
	status := fs.String("status", "", "status filter (settlements)")
	_ = fs.Parse(args)

	q := "sessions"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "dieforward.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fatal("index:", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		fatal("open:", err)
	}
	defer db.Close()
	if *limit <= 0 {
		*limit = 20
	}

	switch q {
	case "sessions":
		query := `SELECT session_id,wallet,player_name,stake_lamports,escrowed,stake_confirmed,phase,zone,room,final_message,death_hash,created_at,ended_at FROM sessions`
		qargs := []any{}
		if *phase != "" {
			query += ` WHERE phase=?`
			qargs = append(qargs, *phase)
		}
		query += ` ORDER BY created_at DESC LIMIT ?`
		qargs = append(qargs, *limit)
		eachRow(db, query, qargs, func(rows *sql.Rows) (any, error) {
			var r struct {
				SessionID      string `json:"session_id"`
				Wallet         string `json:"wallet"`
				PlayerName     string `json:"player_name"`
				StakeLamports  int64  `json:"stake_lamports"`
				Escrowed       bool   `json:"escrowed"`
				StakeConfirmed bool   `json:"stake_confirmed"`
				Phase          string `json:"phase"`
				Zone           string `json:"zone"`
				Room           int    `json:"room"`
				FinalMessage   string `json:"final_message,omitempty"`
				DeathHash      string `json:"death_hash,omitempty"`
				CreatedAt      int64  `json:"created_at"`
				EndedAt        int64  `json:"ended_at,omitempty"`
			}
			err := rows.Scan(&r.SessionID, &r.Wallet, &r.PlayerName, &r.StakeLamports, &r.Escrowed, &r.StakeConfirmed,
				&r.Phase, &r.Zone, &r.Room, &r.FinalMessage, &r.DeathHash, &r.CreatedAt, &r.EndedAt)
			return r, err
		})

	case "settlements":
		query := `SELECT id,session_id,kind,status,wallet,stake_owed,bonus_owed,attempts,needs_reconciliation,tx_id,last_error,updated_at FROM settlements`
		qargs := []any{}
		if *status != "" {
			query += ` WHERE status=?`
			qargs = append(qargs, *status)
		}
		query += ` ORDER BY id DESC LIMIT ?`
		qargs = append(qargs, *limit)
		eachRow(db, query, qargs, func(rows *sql.Rows) (any, error) {
			var r struct {
				ID         int64  `json:"id"`
				SessionID  string `json:"session_id"`
				Kind       string `json:"kind"`
				Status     string `json:"status"`
				Wallet     string `json:"wallet"`
				StakeOwed  int64  `json:"stake_owed"`
				BonusOwed  int64  `json:"bonus_owed"`
				Attempts   int    `json:"attempts"`
				Reconcile  bool   `json:"needs_reconciliation"`
				TxID       string `json:"tx_id,omitempty"`
				LastError  string `json:"last_error,omitempty"`
				UpdatedAtS int64  `json:"updated_at"`
			}
			err := rows.Scan(&r.ID, &r.SessionID, &r.Kind, &r.Status, &r.Wallet, &r.StakeOwed, &r.BonusOwed,
				&r.Attempts, &r.Reconcile, &r.TxID, &r.LastError, &r.UpdatedAtS)
			return r, err
		})

	case "corpses":
		eachRow(db, `SELECT id,zone,room,player_name,final_message,created_at FROM corpses ORDER BY created_at DESC LIMIT ?`, []any{*limit},
			func(rows *sql.Rows) (any, error) {
				var r struct {
					ID           string `json:"id"`
					Zone         string `json:"zone"`
					Room         int    `json:"room"`
					PlayerName   string `json:"player_name"`
					FinalMessage string `json:"final_message"`
					CreatedAt    int64  `json:"created_at"`
				}
				err := rows.Scan(&r.ID, &r.Zone, &r.Room, &r.PlayerName, &r.FinalMessage, &r.CreatedAt)
				return r, err
			})

	case "txs":
		eachRow(db, `SELECT slot,kind,tx_id,digest,unix_ms FROM ledger_txs ORDER BY slot DESC LIMIT ?`, []any{*limit},
			func(rows *sql.Rows) (any, error) {
				var r struct {
					Slot   int64  `json:"slot"`
					Kind   string `json:"kind"`
					TxID   string `json:"tx_id,omitempty"`
					Digest string `json:"digest"`
					UnixMS int64  `json:"unix_ms"`
				}
				err := rows.Scan(&r.Slot, &r.Kind, &r.TxID, &r.Digest, &r.UnixMS)
				return r, err
			})

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data|-db PATH] [-limit N] sessions|settlements|corpses|txs")
		os.Exit(2)
	}
}

func eachRow(db *sql.DB, query string, args []any, scan func(*sql.Rows) (any, error)) {
	rows, err := db.Query(query, args...)
	if err != nil {
		fatal("query:", err)
	}
	defer rows.Close()
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			fatal("scan:", err)
		}
		printJSON(v)
	}
	if err := rows.Err(); err != nil {
		fatal("rows:", err)
	}
}
