// Package bmpevent decodes the JSON-encoded event stream the analysis
// engine consumes as its primary input: each object is either a
// command ({"Command": u}, 0 = reset reach summary, 1 = emit log) or a
// BMP message. Only BMP Route Monitoring messages (Header.Type == 0)
// carry route data; the peer header identifies the source router and
// carries the event timestamp, and Body.BGPUpdate.Body carries the
// path attributes and NLRI/withdrawn prefixes.
package bmpevent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// nextHopAttrType is the BGP path attribute type code for NEXT_HOP.
const nextHopAttrType = 3

const (
	// CommandResetReachSummary zeroes every reachability history.
	CommandResetReachSummary = 0
	// CommandEmitLog requests a log-output snapshot at the current point.
	CommandEmitLog = 1
)

// Message is a decoded event: exactly one of Command or Route is set.
type Message struct {
	Skip bool // true when Header.Type names a message this engine ignores

	IsCommand bool
	Command   int

	PeerBGPID string
	Timestamp uint64

	Nexthop   string // "" or "0.0.0.0" means the announcement carries no usable next hop
	Announced []string
	Withdrawn []string
}

// Decode parses a single JSON event. Any BMP message whose Header.Type
// is not 0 (Route Monitoring) is returned with Skip set, not as an
// error: adapters routinely see peer-up/peer-down/statistics messages
// interleaved with route monitoring ones on the same stream.
func Decode(data []byte) (*Message, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("bmpevent: json unmarshal: %w", err)
	}

	if cmd, ok := raw["Command"]; ok {
		return &Message{IsCommand: true, Command: int(int64Field(cmd))}, nil
	}

	header, _ := raw["Header"].(map[string]any)
	if intField(header, "Type") != 0 {
		return &Message{Skip: true}, nil
	}

	peerHeader, _ := raw["PeerHeader"].(map[string]any)
	msg := &Message{
		PeerBGPID: stringField(peerHeader, "PeerBGPID"),
		Timestamp: uint64(int64Field(peerHeader["Timestamp"])),
	}

	body, _ := raw["Body"].(map[string]any)
	update, _ := body["BGPUpdate"].(map[string]any)
	updateBody, _ := update["Body"].(map[string]any)

	if attrs, ok := updateBody["PathAttributes"].([]any); ok {
		for _, a := range attrs {
			am, ok := a.(map[string]any)
			if !ok {
				continue
			}
			if intField(am, "type") == nextHopAttrType {
				msg.Nexthop = firstNonEmpty(stringField(am, "next_hop"), stringField(am, "nexthop"))
			}
		}
	}

	msg.Announced = prefixList(updateBody["NLRI"])
	msg.Withdrawn = prefixList(updateBody["WithdrawnRoutes"])

	return msg, nil
}

func prefixList(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if p := stringField(m, "prefix"); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		switch s := v.(type) {
		case string:
			return s
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		}
	}
	return ""
}

func intField(m map[string]any, key string) int {
	if v, ok := m[key]; ok {
		return int(int64Field(v))
	}
	return -1
}

func int64Field(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i
	}
	return 0
}
