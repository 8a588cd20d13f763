package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	otellog "go.opentelemetry.io/otel/log"
)

// otelHandler forwards slog records to an OpenTelemetry logger. The trace
// context of the record's ctx is attached by the SDK on Emit.
type otelHandler struct {
	logger otellog.Logger
	level  slog.Leveler
	attrs  []otellog.KeyValue
	group  string
}

// NewOTelHandler returns a slog.Handler that emits records to logger.
func NewOTelHandler(logger otellog.Logger, level slog.Leveler) slog.Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &otelHandler{logger: logger, level: level}
}

func (h *otelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *otelHandler) Handle(ctx context.Context, rec slog.Record) error {
	var out otellog.Record
	ts := rec.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	out.SetTimestamp(ts)
	out.SetObservedTimestamp(time.Now())
	out.SetSeverity(otelSeverity(rec.Level))
	out.SetSeverityText(rec.Level.String())
	out.SetBody(otellog.StringValue(rec.Message))
	out.AddAttributes(h.attrs...)

	attrs := make([]otellog.KeyValue, 0, rec.NumAttrs())
	rec.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, otelKeyValue(a))
		return true
	})
	if h.group != "" && len(attrs) > 0 {
		out.AddAttributes(otellog.Map(h.group, attrs...))
	} else {
		out.AddAttributes(attrs...)
	}

	h.logger.Emit(ctx, out)
	return nil
}

func (h *otelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]otellog.KeyValue(nil), h.attrs...)
	for _, a := range attrs {
		kv := otelKeyValue(a)
		if h.group != "" {
			kv.Key = h.group + "." + kv.Key
		}
		next.attrs = append(next.attrs, kv)
	}
	return &next
}

func (h *otelHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	next.group = name
	return &next
}

func otelSeverity(level slog.Level) otellog.Severity {
	switch {
	case level >= slog.LevelError:
		return otellog.SeverityError
	case level >= slog.LevelWarn:
		return otellog.SeverityWarn
	case level >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}

func otelKeyValue(a slog.Attr) otellog.KeyValue {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return otellog.String(a.Key, v.String())
	case slog.KindInt64:
		return otellog.Int64(a.Key, v.Int64())
	case slog.KindUint64:
		return otellog.Int64(a.Key, int64(v.Uint64()))
	case slog.KindFloat64:
		return otellog.Float64(a.Key, v.Float64())
	case slog.KindBool:
		return otellog.Bool(a.Key, v.Bool())
	case slog.KindDuration:
		return otellog.Int64(a.Key, v.Duration().Milliseconds())
	case slog.KindTime:
		return otellog.String(a.Key, v.Time().Format(time.RFC3339Nano))
	case slog.KindGroup:
		group := v.Group()
		kvs := make([]otellog.KeyValue, len(group))
		for i, g := range group {
			kvs[i] = otelKeyValue(g)
		}
		return otellog.Map(a.Key, kvs...)
	default:
		return otellog.String(a.Key, fmt.Sprint(v.Any()))
	}
}

// fanoutHandler hands every record to all of its handlers.
type fanoutHandler []slog.Handler

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error
	for _, h := range f {
		if !h.Enabled(ctx, rec.Level) {
			continue
		}
		if err := h.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
