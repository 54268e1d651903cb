package pipeline

import (
	"encoding/json"
	"strings"

	"pulseq/internal/store"
)

// statusFields are checked in order for an outcome on CI and issue payloads.
var statusFields = []string{"conclusion", "status", "state", "action"}

// Classify turns a stored event into metric samples: one count per
// source/event type, plus one per outcome when the payload carries one.
func Classify(ev store.Event) []MetricSample {
	bucket := ev.ReceivedAt.UTC().Truncate(bucketWidth)
	base := metricName(ev.Source, ev.EventType)
	samples := []MetricSample{{Name: base + ".count", Bucket: bucket, Delta: 1}}

	if outcome := outcomeOf(ev.Body); outcome != "" {
		samples = append(samples, MetricSample{Name: base + "." + outcome + ".count", Bucket: bucket, Delta: 1})
	}
	return samples
}

func outcomeOf(body json.RawMessage) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return ""
	}
	for _, key := range statusFields {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var v string
		if json.Unmarshal(raw, &v) == nil && v != "" {
			return sanitize(v)
		}
	}
	return ""
}

func metricName(source, eventType string) string {
	if eventType == "" {
		eventType = "unknown"
	}
	return sanitize(source) + "." + sanitize(eventType)
}

func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
