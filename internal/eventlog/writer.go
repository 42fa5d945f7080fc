package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"github.com/route-beacon/netloop/internal/metrics"
	"go.uber.org/zap"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

// Writer persists an audit trail of the mutations the analysis engine
// applied, so a restarted process (or an external tool) can replay or
// inspect what happened without asking the live, in-memory engine,
// which carries no history of its own across a restart.
type Writer struct {
	pool          *pgxpool.Pool
	logger        *zap.Logger
	storeRawBytes bool
	compressRaw   bool
}

// NewWriter returns a Writer bound to pool.
func NewWriter(pool *pgxpool.Pool, logger *zap.Logger, storeRawBytes, compressRaw bool) *Writer {
	return &Writer{
		pool:          pool,
		logger:        logger,
		storeRawBytes: storeRawBytes,
		compressRaw:   compressRaw,
	}
}

// EventRow is one audited mutation applied to the analysis engine.
type EventRow struct {
	EventID       []byte // 32-byte SHA256 of the raw input message, for cross-collector dedup
	RouterID      string // source router name/id, if known
	Prefix        string // CIDR string, empty for link events
	Action        string // "insert", "erase", "link_up", "link_down"
	Timestamp     uint64
	LoopDetected  bool
	AffectedFlows int
	RawPayload    []byte // the raw adapter message that produced this mutation
	Topic         string // for dedup metric labeling
}

// FlushBatch inserts a batch of event rows into analysis_events.
// Returns the number of rows actually inserted (after dedup).
func (w *Writer) FlushBatch(ctx context.Context, rows []*EventRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var totalInserted int64

	for _, row := range rows {
		var rawBytes []byte
		if w.storeRawBytes && row.RawPayload != nil {
			if w.compressRaw {
				rawBytes = zstdEncoder.EncodeAll(row.RawPayload, nil)
			} else {
				rawBytes = row.RawPayload
			}
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO analysis_events (event_id, ingest_time, router_id, prefix, action,
				event_timestamp, loop_detected, affected_flows, raw_payload)
			VALUES ($1, date_trunc('day', now()), $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (event_id, ingest_time) DO NOTHING`,
			row.EventID, row.RouterID, nilIfEmpty(row.Prefix), row.Action,
			row.Timestamp, row.LoopDetected, row.AffectedFlows, rawBytes,
		)
		if err != nil {
			return 0, fmt.Errorf("insert analysis_event: %w", err)
		}

		affected := tag.RowsAffected()
		totalInserted += affected
		if affected == 0 {
			metrics.HistoryDedupConflictsTotal.WithLabelValues(row.Topic).Inc()
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	dur := time.Since(start).Seconds()
	metrics.DBWriteDuration.WithLabelValues("eventlog", "insert").Observe(dur)
	metrics.DBRowsAffectedTotal.WithLabelValues("eventlog", "analysis_events", "insert").Add(float64(totalInserted))
	metrics.BatchSize.WithLabelValues("eventlog").Observe(float64(len(rows)))

	return totalInserted, nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// UpsertRouter records router metadata learned from a BMP Initiation
// message's sysName/sysDescr TLVs.
func (w *Writer) UpsertRouter(ctx context.Context, routerID, routerIP, hostname, description string) error {
	return UpsertRouter(ctx, w.pool, routerID, routerIP, hostname, description)
}
