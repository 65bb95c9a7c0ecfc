package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"dieforward.gg/internal/transport/httpapi"
)

type remote struct {
	base  string
	token string
}

func remoteFlags(fs *flag.FlagSet) *remote {
	r := &remote{}
	fs.StringVar(&r.base, "url", "http://127.0.0.1:8080", "server base url")
	fs.StringVar(&r.token, "token", "", "admin bearer token (default: minted from DF_ADMIN_JWT_SECRET)")
	return r
}

// call sends one admin request and prints the JSON reply.
func (r *remote) call(method, path string, q url.Values) {
	tok := strings.TrimSpace(r.token)
	if tok == "" {
		var err error
		tok, err = httpapi.AdminToken(adminSecret(), "admin-cli", 5*time.Minute)
		if err != nil {
			fatal("token:", err)
		}
	}
	u := strings.TrimRight(strings.TrimSpace(r.base), "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		fatal("request:", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fatal("request:", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func settlementsCmd(args []string) {
	fs := flag.NewFlagSet("settlements", flag.ExitOnError)
	r := remoteFlags(fs)
	status := fs.String("status", "", "pending, paid or failed")
	reconcile := fs.Bool("reconcile", false, "only rows that need reconciliation")
	limit := fs.Int("limit", 50, "result limit")
	_ = fs.Parse(args)

	q := url.Values{}
	if *status != "" {
		q.Set("status", *status)
	}
	if *reconcile {
		q.Set("reconcile", "true")
	}
	q.Set("limit", strconv.Itoa(*limit))
	r.call(http.MethodGet, "/admin/v1/settlements", q)
}

func retryCmd(args []string) {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	r := remoteFlags(fs)
	id := fs.Int64("id", 0, "settlement id")
	_ = fs.Parse(args)
	if *id <= 0 {
		fmt.Fprintln(os.Stderr, "missing -id")
		os.Exit(2)
	}
	r.call(http.MethodPost, "/admin/v1/settlements/retry", url.Values{"id": {strconv.FormatInt(*id, 10)}})
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	r := remoteFlags(fs)
	_ = fs.Parse(args)
	r.call(http.MethodPost, "/admin/v1/snapshot", nil)
}

func txsCmd(args []string) {
	fs := flag.NewFlagSet("txs", flag.ExitOnError)
	r := remoteFlags(fs)
	limit := fs.Int("limit", 50, "result limit")
	_ = fs.Parse(args)
	r.call(http.MethodGet, "/admin/v1/ledger/txs", url.Values{"limit": {strconv.Itoa(*limit)}})
}
