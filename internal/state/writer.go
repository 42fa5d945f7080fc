package state

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/route-beacon/netloop/internal/metrics"
	"go.uber.org/zap"
)

// Writer persists router metadata discovered from the JSON event
// stream — the rDNS registry only knows what a topology file declared
// up front, but a live BMP session also names routers that never made
// it into that file.
type Writer struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger) *Writer {
	return &Writer{pool: pool, logger: logger}
}

// UpsertRouter records that name/addr was seen, for operator visibility
// into what the live topology looks like versus the configured rDNS file.
func (w *Writer) UpsertRouter(ctx context.Context, name, addr string) error {
	start := time.Now()
	_, err := w.pool.Exec(ctx, `
		INSERT INTO routers (router_id, router_ip, first_seen, last_seen)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (router_id) DO UPDATE SET
			router_ip = COALESCE(EXCLUDED.router_ip, routers.router_ip),
			last_seen = now()`,
		name, nullableString(addr),
	)
	metrics.DBWriteDuration.WithLabelValues("state", "upsert_router").Observe(time.Since(start).Seconds())
	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
