package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dieforward.gg/internal/ledger"
	"dieforward.gg/internal/ledger/keys"
	plog "dieforward.gg/internal/persistence/log"
	"dieforward.gg/internal/persistence/snapshot"
	"dieforward.gg/internal/transport/httpapi"
)

const usage = `usage: admin <command> [flags]

local:
  keygen                       new authority or treasury key pair
  token  [-sub NAME] [-ttl D]  admin bearer token (DF_ADMIN_JWT_SECRET)
  inspect [-data DIR] [FILE]   snapshot header (latest when FILE is empty)
  txlog  [-data DIR] [-from S] tx log entries as JSON lines
  db     [-data DIR] sessions|settlements|corpses|txs

server:
  settlements [-status S] [-reconcile]
  retry -id N
  snapshot
  txs [-limit N]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "keygen":
		keygenCmd(args)
	case "token":
		tokenCmd(args)
	case "inspect":
		inspectCmd(args)
	case "txlog":
		txlogCmd(args)
	case "db":
		dbCmd(args)
	case "settlements":
		settlementsCmd(args)
	case "retry":
		retryCmd(args)
	case "snapshot":
		snapshotCmd(args)
	case "txs":
		txsCmd(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func keygenCmd(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	_ = fs.Parse(args)
	k, err := keys.Generate()
	if err != nil {
		fatal("generate:", err)
	}
	printJSON(map[string]string{"address": k.Address().String(), "private_key": k.Hex()})
}

func tokenCmd(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	sub := fs.String("sub", "operator", "token subject")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	_ = fs.Parse(args)

	tok, err := httpapi.AdminToken(adminSecret(), *sub, *ttl)
	if err != nil {
		fatal("token:", err)
	}
	fmt.Println(tok)
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	path := strings.TrimSpace(fs.Arg(0))
	if path == "" {
		p, err := snapshot.Latest(filepath.Join(*dataDir, "snapshots"))
		if err != nil {
			fatal("find snapshot:", err)
		}
		if p == "" {
			fmt.Fprintln(os.Stderr, "no snapshot found")
			os.Exit(2)
		}
		path = p
	}
	h, err := snapshot.ReadHeader(path)
	if err != nil {
		fatal("read header:", err)
	}
	printJSON(struct {
		Path string `json:"path"`
		snapshot.Header
	}{path, h})
}

func txlogCmd(args []string) {
	fs := flag.NewFlagSet("txlog", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	from := fs.Uint64("from", 0, "first slot to print")
	kind := fs.String("kind", "", "only this entry kind (tx or airdrop)")
	_ = fs.Parse(args)

	entries, err := plog.ReadTxLog(filepath.Join(*dataDir, "txlog"))
	if err != nil {
		fatal("read tx log:", err)
	}
	for _, e := range entries {
		if e.Slot < *from || (*kind != "" && e.Kind != *kind) {
			continue
		}
		printJSON(summarize(e))
	}
}

type txSummary struct {
	Slot     uint64   `json:"slot"`
	Kind     string   `json:"kind"`
	UnixMS   int64    `json:"unix_ms"`
	TxID     string   `json:"tx_id,omitempty"`
	Programs []string `json:"programs,omitempty"`
	Signers  []string `json:"signers,omitempty"`
	Airdrop  string   `json:"airdrop_to,omitempty"`
	Lamports uint64   `json:"lamports,omitempty"`
	Digest   string   `json:"digest"`
}

func summarize(e ledger.TxLogEntry) txSummary {
	s := txSummary{Slot: e.Slot, Kind: e.Kind, UnixMS: e.UnixMS, TxID: e.TxID, Digest: e.Digest}
	if e.Tx != nil {
		for _, ix := range e.Tx.Instructions {
			s.Programs = append(s.Programs, ix.ProgramID.String())
		}
		for _, a := range e.Tx.RequiredSigners() {
			s.Signers = append(s.Signers, a.String())
		}
	}
	if e.Airdrop != nil {
		s.Airdrop = e.Airdrop.Address.String()
		s.Lamports = e.Airdrop.Lamports
	}
	return s
}

func adminSecret() []byte {
	s := strings.TrimSpace(os.Getenv("DF_ADMIN_JWT_SECRET"))
	if s == "" {
		fmt.Fprintln(os.Stderr, "DF_ADMIN_JWT_SECRET is not set")
		os.Exit(2)
	}
	return []byte(s)
}

func fatal(what string, err error) {
	fmt.Fprintln(os.Stderr, what, err)
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
