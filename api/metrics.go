package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName       = "taskboard/api"
	moveRoute        = "/api/tasks/:id/move"
	moveSpanName     = "tasks.move"
	moveEventName    = "tasks.move.request"
	moveEventDomain  = "taskboard.board"
	observabilityMsg = "observability.event"
)

// moveRequestMetrics records one move request as an otel span and a structured
// "observability.event" log entry.
type moveRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	authDuration      time.Duration
	reconcileDuration time.Duration
	dropResolved      bool
	duplicate         bool
	moved             bool
	shifted           int
	errorStage        string
}

func newMoveRequestMetrics(ctx context.Context, logger *log.Logger) (*moveRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, moveSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &moveRequestMetrics{logger: logger, span: span, start: time.Now()}, spanCtx
}

func (m *moveRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *moveRequestMetrics) ObserveReconcile(d time.Duration) {
	if d > 0 {
		m.reconcileDuration = d
	}
}

func (m *moveRequestMetrics) SetDropResolved(v bool) { m.dropResolved = v }

func (m *moveRequestMetrics) SetDuplicate(v bool) { m.duplicate = v }

func (m *moveRequestMetrics) SetOutcome(moved bool, shifted int) {
	m.moved = moved
	m.shifted = shifted
}

func (m *moveRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *moveRequestMetrics) attributes(status int, err error) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("http.route", moveRoute),
		attribute.Int("http.status_code", status),
		attribute.Float64("taskboard.move.total_ms", durationToMillis(time.Since(m.start))),
		attribute.Bool("taskboard.move.drop_resolved", m.dropResolved),
		attribute.Bool("taskboard.move.duplicate", m.duplicate),
		attribute.Bool("taskboard.move.moved", m.moved),
		attribute.Int("taskboard.move.shifted", m.shifted),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskboard.move.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.reconcileDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskboard.move.reconcile_ms", durationToMillis(m.reconcileDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("taskboard.move.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}
	return attrs
}

// Log ends the span and emits the observability event.
func (m *moveRequestMetrics) Log(status int, err error) {
	if m == nil || m.span == nil {
		return
	}
	attrs := m.attributes(status, err)
	sevText, sevNumber := severityForStatus(status, err)

	m.span.SetAttributes(attrs...)
	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", moveEventName),
		attribute.String("event.domain", moveEventDomain),
		attribute.String("severity_text", sevText),
		attribute.Int("severity_number", sevNumber),
	}, attrs...)
	m.span.AddEvent(observabilityMsg, trace.WithAttributes(eventAttrs...))
	if sevNumber >= severityError {
		desc := http.StatusText(status)
		if err != nil {
			m.span.RecordError(err)
			desc = err.Error()
		}
		m.span.SetStatus(codes.Error, desc)
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	sc := m.span.SpanContext()
	m.span.End()

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      moveEventName,
		"event.domain":    moveEventDomain,
		"attributes":      attributeMap(attrs),
		"severity_text":   sevText,
		"severity_number": sevNumber,
	}
	if sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	entry := m.logger.WithFields(fields)
	switch sevNumber {
	case severityError:
		entry.Error(observabilityMsg)
	case severityWarn:
		entry.Warn(observabilityMsg)
	default:
		entry.Info(observabilityMsg)
	}
}

const (
	severityInfo  = 9
	severityWarn  = 13
	severityError = 17
)

// severityForStatus follows the OpenTelemetry log severity numbers.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError:
		return "ERROR", severityError
	case status >= http.StatusBadRequest:
		return "WARN", severityWarn
	case err != nil:
		return "ERROR", severityError
	}
	return "INFO", severityInfo
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
