package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/decred/slog"

	"dieforward.gg/internal/persistence/indexdb"
)

// openD1 starts the remote index mirror when DF_INDEX_D1_INGEST_URL is set.
// The local SQLite index always runs; D1 is an extra copy for dashboards.
func openD1(logger slog.Logger) (*indexdb.D1Index, error) {
	endpoint := strings.TrimSpace(os.Getenv("DF_INDEX_D1_INGEST_URL"))
	if endpoint == "" {
		return nil, nil
	}
	deployment := strings.TrimSpace(os.Getenv("DF_DEPLOYMENT"))
	if deployment == "" {
		deployment = strings.TrimSpace(os.Getenv("DEPLOY_ENV"))
	}
	if deployment == "" {
		deployment = "dev"
	}
	idx, err := indexdb.OpenD1(indexdb.D1Config{
		Endpoint:      endpoint,
		Token:         strings.TrimSpace(os.Getenv("DF_INDEX_D1_TOKEN")),
		Deployment:    deployment,
		BatchSize:     envInt("DF_INDEX_D1_BATCH_SIZE", 128),
		FlushInterval: time.Duration(envInt("DF_INDEX_D1_FLUSH_MS", 500)) * time.Millisecond,
		Log:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("DF_INDEX_D1_INGEST_URL: %w", err)
	}
	logger.Infof("d1 index mirror enabled for deployment %s", deployment)
	return idx, nil
}
