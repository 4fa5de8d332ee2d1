package nearwire

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricBeaconOutCount counts advertisement datagrams sent.
	MetricBeaconOutCount      = []string{"nearwire", "beacon", "out", "count"}
	MetricBeaconOutErrorCount = []string{"nearwire", "beacon", "out", "error", "count"}
	MetricBeaconInCount       = []string{"nearwire", "beacon", "in", "count"}
	MetricBeaconInErrorCount  = []string{"nearwire", "beacon", "in", "error", "count"}

	MetricDiscoverHitCount     = []string{"nearwire", "discover", "hit", "count"}
	MetricDiscoverWaitCount    = []string{"nearwire", "discover", "wait", "count"}
	MetricDiscoverTimeoutCount = []string{"nearwire", "discover", "timeout", "count"}

	MetricRequestOutCount        = []string{"nearwire", "request", "out", "count"}
	MetricRequestInCount         = []string{"nearwire", "request", "in", "count"}
	MetricReplyTimeoutCount      = []string{"nearwire", "reply", "timeout", "count"}
	MetricNotificationOutCount   = []string{"nearwire", "notification", "out", "count"}
	MetricNotificationInCount    = []string{"nearwire", "notification", "in", "count"}
	MetricNotificationDropCount  = []string{"nearwire", "notification", "drop", "count"}
	MetricProtocolViolationCount = []string{"nearwire", "protocol", "violation", "count"}

	MetricSocketOpenCount  = []string{"nearwire", "socket", "open", "count"}
	MetricSocketCloseCount = []string{"nearwire", "socket", "close", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelName     TelemetryLabel = "name"
	LabelAddr     TelemetryLabel = "addr"
	LabelRole     TelemetryLabel = "role"
	LabelHandleID TelemetryLabel = "handle_id"
	LabelTopic    TelemetryLabel = "topic"
	LabelPattern  TelemetryLabel = "pattern"
	LabelWait     TelemetryLabel = "wait"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
