package eventlog

import (
	"context"
	"time"

	"github.com/route-beacon/netloop/internal/analysis"
	"github.com/route-beacon/netloop/internal/bgp"
	"github.com/route-beacon/netloop/internal/bmp"
	"github.com/route-beacon/netloop/internal/flowgraph"
	"github.com/route-beacon/netloop/internal/ipaddr"
	"github.com/route-beacon/netloop/internal/metrics"
	"github.com/route-beacon/netloop/internal/rdns"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Pipeline consumes a Kafka topic of OpenBMP-framed, binary-encoded
// BMP route-monitoring messages, decodes and parses them with the
// real BGP/BMP wire-format parsers, drives the analysis engine with
// the resulting route events, and archives an audit row per mutation.
// It mirrors the batching, ticker-flush, and oversized-batch safety
// valve of the JSON adapter's own pipeline (internal/state), since
// both are single-consumer channel loops feeding a shared sink.
type Pipeline struct {
	engine          *analysis.Engine
	nodes           *rdns.Registry
	writer          *Writer
	batchSize       int
	flushInterval   time.Duration
	maxPayloadBytes int
	logger          *zap.Logger
}

// NewPipeline returns a Pipeline wired to engine, nodes, and writer.
func NewPipeline(engine *analysis.Engine, nodes *rdns.Registry, writer *Writer, batchSize, flushIntervalMs, maxPayloadBytes int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		engine:          engine,
		nodes:           nodes,
		writer:          writer,
		batchSize:       batchSize,
		flushInterval:   time.Duration(flushIntervalMs) * time.Millisecond,
		maxPayloadBytes: maxPayloadBytes,
		logger:          logger,
	}
}

// Run processes records from the channel until context is cancelled.
// The analysis engine is single-writer, so every mutation happens
// synchronously on this one goroutine before the batch is queued for
// the (independently paced) audit-log flush.
func (p *Pipeline) Run(ctx context.Context, records <-chan []*kgo.Record, flushed chan<- []*kgo.Record) {
	var batch []*EventRow
	var batchRecords []*kgo.Record
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batchRecords) > 0 {
				p.flush(ctx, batch, batchRecords, flushed)
			}
			return

		case recs, ok := <-records:
			if !ok {
				if len(batchRecords) > 0 {
					p.flush(ctx, batch, batchRecords, flushed)
				}
				return
			}

			for _, rec := range recs {
				rows := p.processRecord(ctx, rec)
				batch = append(batch, rows...)
				batchRecords = append(batchRecords, rec)
			}

			if len(batchRecords) >= p.batchSize {
				if p.flush(ctx, batch, batchRecords, flushed) {
					batch = nil
					batchRecords = nil
				}
			}

			if len(batchRecords) >= p.batchSize*10 {
				p.logger.Error("dropping oversized batch after repeated flush failures",
					zap.Int("dropped_records", len(batchRecords)),
					zap.Int("dropped_rows", len(batch)),
				)
				batch = nil
				batchRecords = nil
			}

		case <-ticker.C:
			if len(batchRecords) > 0 {
				if p.flush(ctx, batch, batchRecords, flushed) {
					batch = nil
					batchRecords = nil
				}
			}
		}
	}
}

func (p *Pipeline) processRecord(ctx context.Context, rec *kgo.Record) []*EventRow {
	frame, err := DecodeOpenBMPFrame(rec.Value, p.maxPayloadBytes)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("openbmp", "decode").Inc()
		p.logger.Warn("failed to decode OpenBMP frame", zap.String("topic", rec.Topic), zap.Error(err))
		return nil
	}
	eventID := ComputeEventID(frame.BMPBytes)

	parsed, err := bmp.Parse(frame.BMPBytes)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("bmp", "parse").Inc()
		p.logger.Warn("failed to parse BMP message", zap.String("topic", rec.Topic), zap.Error(err))
		return nil
	}
	if parsed.MsgType == bmp.MsgTypeInitiation {
		p.applyInitiation(ctx, frame, parsed)
		return nil
	}
	if parsed.MsgType != bmp.MsgTypeRouteMonitoring || parsed.BGPData == nil {
		return nil
	}

	events, err := bgp.ParseUpdate(parsed.BGPData, parsed.HasAddPath)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("bgp", "parse").Inc()
		p.logger.Warn("failed to parse BGP UPDATE", zap.String("topic", rec.Topic), zap.Error(err))
		return nil
	}

	peerHdr := frame.BMPBytes[bmp.CommonHeaderSize:]
	routerID := bmp.RouterIDFromPeerHeader(peerHdr)
	source, ok := p.nodes.Lookup(routerAddr(frame, routerID))
	if !ok {
		metrics.ParseErrorsTotal.WithLabelValues("bgp", "unknown_router").Inc()
		return nil
	}
	ts := bmp.TimestampFromPeerHeader(peerHdr)

	var rows []*EventRow
	for _, ev := range events {
		row := p.applyEvent(eventID, routerID, source, ev, ts, frame.BMPBytes, rec.Topic)
		if row != nil {
			rows = append(rows, row)
		}
	}
	return rows
}

// applyInitiation records the sysName/sysDescr TLVs a BMP Initiation
// message carries, so the routers table reflects live session
// metadata rather than only what the rDNS topology file declared.
func (p *Pipeline) applyInitiation(ctx context.Context, frame FrameResult, parsed *bmp.ParsedBMP) {
	if p.writer == nil {
		return
	}
	routerID := frame.RouterIP
	if routerID == "" {
		routerID = frame.RouterHash
	}
	if routerID == "" {
		return
	}
	if err := p.writer.UpsertRouter(ctx, routerID, frame.RouterIP, parsed.SysName, parsed.SysDescr); err != nil {
		p.logger.Error("router metadata upsert failed", zap.Error(err))
	}
}

func routerAddr(frame FrameResult, routerID string) string {
	if frame.RouterIP != "" {
		return frame.RouterIP
	}
	return routerID
}

func (p *Pipeline) applyEvent(eventID []byte, routerID string, source flowgraph.NodeID, ev *bgp.RouteEvent, ts uint64, raw []byte, topic string) *EventRow {
	prefix, err := ipaddr.Parse(ev.Prefix)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("bgp", "bad_prefix").Inc()
		return nil
	}

	row := &EventRow{
		EventID:    eventID,
		RouterID:   routerID,
		Prefix:     ev.Prefix,
		RawPayload: raw,
		Topic:      topic,
	}

	switch ev.Action {
	case "A":
		target, ok := p.nodes.Lookup(ev.Nexthop)
		if !ok || ev.Nexthop == "" || ev.Nexthop == "0.0.0.0" {
			return nil
		}
		row.Action = "insert"
		if _, err := p.engine.InsertOrAssign(prefix, source, []flowgraph.NodeID{target}, ts); err != nil {
			p.logger.Error("engine insert_or_assign failed", zap.Error(err))
		}
	case "D":
		row.Action = "erase"
		if _, err := p.engine.Erase(prefix, source, ts); err != nil {
			p.logger.Error("engine erase failed", zap.Error(err))
		}
	default:
		return nil
	}

	loops := p.engine.Loops()
	if flow, ok := p.engine.Flow(prefix); ok {
		row.AffectedFlows = 1
		row.LoopDetected = len(loops[flow]) > 0
	}
	metrics.KafkaMessagesTotal.WithLabelValues("eventlog", topic, ev.Action, row.Action).Inc()
	return row
}

func (p *Pipeline) flush(ctx context.Context, batch []*EventRow, records []*kgo.Record, flushed chan<- []*kgo.Record) bool {
	inserted, err := p.writer.FlushBatch(ctx, batch)
	if err != nil {
		p.logger.Error("eventlog batch flush failed", zap.Error(err))
		return false
	}

	p.logger.Debug("eventlog batch flushed",
		zap.Int("batch_size", len(batch)),
		zap.Int64("inserted", inserted),
		zap.Int64("deduped", int64(len(batch))-inserted),
	)

	select {
	case flushed <- records:
	case <-ctx.Done():
	}
	return true
}
