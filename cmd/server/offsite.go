package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/decred/slog"

	"dieforward.gg/internal/persistence/offsite"
)

// openOffsite returns nil when DF_OFFSITE_* is not configured.
func openOffsite(dataDir string, logger slog.Logger) (*offsite.Mirror, error) {
	cfg, ok, err := offsite.ConfigFromEnv()
	if err != nil || !ok {
		return nil, err
	}
	if !envBool("DF_OFFSITE_MIRROR", true) {
		return nil, nil
	}
	client, err := offsite.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("offsite client: %w", err)
	}
	logger.Infof("offsite mirror to bucket %s prefix %q", cfg.Bucket, cfg.Prefix)
	return offsite.NewMirror(client, offsite.MirrorConfig{
		DataDir: dataDir,
		Prefix:  cfg.Prefix,
		Workers: envInt("DF_OFFSITE_WORKERS", 2),
		Queue:   envInt("DF_OFFSITE_QUEUE", 256),
		Backoff: time.Duration(envInt("DF_OFFSITE_BACKOFF_MS", 200)) * time.Millisecond,
		Log:     logger,
	}), nil
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
