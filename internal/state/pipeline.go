// Package state implements the JSON event-stream adapter: the
// external interface described for the analysis engine's primary
// input, decoded either in the engine's own nested BMP/Command JSON
// shape (bmpevent) or in the flattened goBMP unicast-prefix shape this
// package's own parser.go still speaks, and translated into
// insert_or_assign/erase/reset/refresh calls against an
// analysis.Engine.
package state

import (
	"context"
	"strconv"
	"time"

	"github.com/route-beacon/netloop/internal/analysis"
	"github.com/route-beacon/netloop/internal/bmpevent"
	"github.com/route-beacon/netloop/internal/flowgraph"
	"github.com/route-beacon/netloop/internal/ipaddr"
	"github.com/route-beacon/netloop/internal/metrics"
	"github.com/route-beacon/netloop/internal/rdns"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Pipeline drives an analysis.Engine from a Kafka topic of JSON
// events. Unlike eventlog.Pipeline's binary BMP path, every record
// here is a self-contained JSON object, so there is no batching or
// flush interval on the engine side — records are applied to the
// engine as they arrive; only offset commits are batched.
type Pipeline struct {
	engine  *analysis.Engine
	nodes   *rdns.Registry
	writer  *Writer
	rawMode bool // true: decode with the flattened goBMP shape (parser.go); false: bmpevent's nested shape
	logger  *zap.Logger

	commitEvery time.Duration
}

// NewPipeline returns a Pipeline wired to engine and nodes, upserting
// discovered router metadata through writer (which may be nil to skip
// persistence).
func NewPipeline(engine *analysis.Engine, nodes *rdns.Registry, writer *Writer, rawMode bool, commitIntervalMs int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		engine:      engine,
		nodes:       nodes,
		writer:      writer,
		rawMode:     rawMode,
		commitEvery: time.Duration(commitIntervalMs) * time.Millisecond,
		logger:      logger,
	}
}

// Run applies records to the engine as they arrive and periodically
// signals the batch of applied records back on flushed for offset
// commit, so a crash mid-batch replays at most one commit interval's
// worth of (idempotent) events.
func (p *Pipeline) Run(ctx context.Context, records <-chan []*kgo.Record, flushed chan<- []*kgo.Record) {
	var pending []*kgo.Record
	ticker := time.NewTicker(p.commitEvery)
	defer ticker.Stop()

	commit := func() {
		if len(pending) == 0 {
			return
		}
		select {
		case flushed <- pending:
		case <-ctx.Done():
		}
		pending = nil
	}

	for {
		select {
		case <-ctx.Done():
			commit()
			return

		case recs, ok := <-records:
			if !ok {
				commit()
				return
			}
			for _, rec := range recs {
				p.processRecord(ctx, rec)
				pending = append(pending, rec)
			}

		case <-ticker.C:
			commit()
		}
	}
}

func (p *Pipeline) processRecord(ctx context.Context, rec *kgo.Record) {
	if p.rawMode {
		p.processFlattened(ctx, rec)
		return
	}
	p.processEvent(ctx, rec)
}

func (p *Pipeline) processEvent(ctx context.Context, rec *kgo.Record) {
	msg, err := bmpevent.Decode(rec.Value)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("json", "decode").Inc()
		p.logger.Warn("failed to decode event", zap.String("topic", rec.Topic), zap.Error(err))
		return
	}
	if msg.Skip {
		return
	}
	if msg.IsCommand {
		p.applyCommand(msg.Command)
		return
	}

	source, ok := p.nodes.Lookup(msg.PeerBGPID)
	if !ok {
		metrics.ParseErrorsTotal.WithLabelValues("json", "unknown_router").Inc()
		return
	}

	var target []flowgraph.NodeID
	if msg.Nexthop != "" && msg.Nexthop != "0.0.0.0" {
		if t, ok := p.nodes.Lookup(msg.Nexthop); ok {
			target = []flowgraph.NodeID{t}
		}
	}

	for _, cidr := range msg.Announced {
		if len(target) == 0 {
			continue
		}
		p.applyInsert(cidr, source, target, msg.Timestamp, rec.Topic)
	}
	for _, cidr := range msg.Withdrawn {
		p.applyErase(cidr, source, msg.Timestamp, rec.Topic)
	}
}

func (p *Pipeline) applyCommand(cmd int) {
	switch cmd {
	case bmpevent.CommandResetReachSummary:
		p.engine.ResetReachSummary()
	case bmpevent.CommandEmitLog:
		// Log emission is driven by the caller holding the engine
		// (see cmd/netloop), which has the verbosity/output wiring;
		// the pipeline only needs to recognize the command so it
		// doesn't misparse it as a malformed BMP message.
	}
}

func (p *Pipeline) applyInsert(cidr string, source flowgraph.NodeID, target []flowgraph.NodeID, ts uint64, topic string) {
	prefix, err := ipaddr.Parse(cidr)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("json", "bad_prefix").Inc()
		return
	}
	if _, err := p.engine.InsertOrAssign(prefix, source, target, ts); err != nil {
		p.logger.Error("engine insert_or_assign failed", zap.Error(err))
	}
	metrics.KafkaMessagesTotal.WithLabelValues("state", topic, "4", "insert").Inc()
}

func (p *Pipeline) applyErase(cidr string, source flowgraph.NodeID, ts uint64, topic string) {
	prefix, err := ipaddr.Parse(cidr)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("json", "bad_prefix").Inc()
		return
	}
	if _, err := p.engine.Erase(prefix, source, ts); err != nil {
		p.logger.Error("engine erase failed", zap.Error(err))
	}
	metrics.KafkaMessagesTotal.WithLabelValues("state", topic, "4", "erase").Inc()
}

// processFlattened decodes goBMP's flattened per-prefix JSON shape
// (one object per route, not one per BMP message) via parser.go and
// applies it the same way. This is the shape real goBMP deployments
// actually emit onto Kafka; bmpevent's nested shape is the one this
// engine's own reference JSON schema names.
func (p *Pipeline) processFlattened(ctx context.Context, rec *kgo.Record) {
	if isPeerTopic(rec.Topic) {
		pe, err := DecodePeerMessage(rec.Value)
		if err != nil {
			metrics.ParseErrorsTotal.WithLabelValues("json", "peer_decode").Inc()
			return
		}
		if pe.Action == "peer_down" && pe.IsLocRIB {
			if source, ok := p.nodes.Lookup(pe.RouterID); ok {
				purged, err := p.engine.EraseAllFrom(source, 0)
				if err != nil {
					p.logger.Error("engine erase_all_from failed", zap.Error(err))
				}
				metrics.RoutesPurgedTotal.WithLabelValues("session_down").Add(float64(purged))
			}
			if p.writer != nil {
				_ = p.writer.UpsertRouter(ctx, pe.RouterID, "")
			}
		}
		return
	}

	afi := 4
	if isV6Topic(rec.Topic) {
		afi = 6
	}
	parsed, err := DecodeUnicastPrefix(rec.Value, afi)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("json", "decode").Inc()
		return
	}
	if parsed.IsEOR {
		metrics.EORSeen.WithLabelValues(parsed.RouterID, parsed.TableName, strconv.Itoa(parsed.AFI)).Set(1)
		return
	}
	if !parsed.IsLocRIB {
		return
	}

	source, ok := p.nodes.Lookup(parsed.RouterID)
	if !ok {
		metrics.ParseErrorsTotal.WithLabelValues("json", "unknown_router").Inc()
		return
	}
	prefix, err := ipaddr.Parse(parsed.Prefix)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("json", "bad_prefix").Inc()
		return
	}

	switch parsed.Action {
	case "A":
		target, ok := p.nodes.Lookup(parsed.Nexthop)
		if !ok || parsed.Nexthop == "" || parsed.Nexthop == "0.0.0.0" {
			return
		}
		if _, err := p.engine.InsertOrAssign(prefix, source, []flowgraph.NodeID{target}, 0); err != nil {
			p.logger.Error("engine insert_or_assign failed", zap.Error(err))
		}
	case "D":
		if _, err := p.engine.Erase(prefix, source, 0); err != nil {
			p.logger.Error("engine erase failed", zap.Error(err))
		}
	}
	metrics.KafkaMessagesTotal.WithLabelValues("state", rec.Topic, itoa(afi), parsed.Action).Inc()
	metrics.LastMsgTimestamp.WithLabelValues("state", parsed.RouterID, parsed.TableName, strconv.Itoa(parsed.AFI)).SetToCurrentTime()
}

func isPeerTopic(topic string) bool { return containsAny(topic, ".parsed.peer") }
func isV6Topic(topic string) bool   { return containsAny(topic, "_v6") }

func containsAny(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func itoa(v int) string {
	if v == 4 {
		return "4"
	}
	return "6"
}
