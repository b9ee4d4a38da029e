package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanpama/callchain/internal/callid"
	eventbus "github.com/hanpama/callchain/internal/eventbus"
	events "github.com/hanpama/callchain/internal/events"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers to the
// global bus. If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	detach := Attach(eventbus.Current(), otel.Tracer("callchain"))
	return func(ctx context.Context) error {
		detach()
		return tp.Shutdown(ctx)
	}, nil
}

// Attach subscribes span-producing handlers to b. Calls become spans, with a
// child span per batch and per gRPC stream. The returned func detaches them.
func Attach(b *eventbus.Bus, tracer trace.Tracer) (detach func()) {
	s := &subscriber{tracer: tracer}
	return s.register(b)
}

type batchKey struct {
	call int64
	seq  uint64
}

type subscriber struct {
	tracer     trace.Tracer
	callSpans  sync.Map // call id -> trace.Span
	batchSpans sync.Map // batchKey -> trace.Span
	grpcSpans  sync.Map // call id -> trace.Span
}

// parent returns ctx carrying the span of call id, if it is still open.
func (s *subscriber) parent(ctx context.Context, id int64) context.Context {
	if v, ok := s.callSpans.Load(id); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	return ctx
}

func end(m *sync.Map, key any, fn func(trace.Span)) {
	v, ok := m.LoadAndDelete(key)
	if !ok {
		return
	}
	span := v.(trace.Span)
	fn(span)
	span.End()
}

func setCode(span trace.Span, code codes.Code, details string) {
	span.SetAttributes(semconv.RPCGRPCStatusCodeKey.Int(int(code)))
	if code != codes.OK {
		span.SetStatus(otelcodes.Error, details)
	}
}

func (s *subscriber) register(b *eventbus.Bus) func() {
	offs := []func(){
		eventbus.On(b, func(ctx context.Context, e events.CallStart) {
			_, span := s.tracer.Start(ctx, "callchain.call", trace.WithSpanKind(trace.SpanKindClient))
			span.SetAttributes(
				attribute.Int64("callchain.call_id", e.CallID),
				attribute.String("callchain.method", e.Method),
				attribute.String("callchain.shape", e.Shape),
			)
			s.callSpans.Store(e.CallID, span)
		}),

		eventbus.On(b, func(ctx context.Context, e events.CallFinish) {
			end(&s.callSpans, e.CallID, func(span trace.Span) { setCode(span, e.Code, e.Details) })
		}),

		eventbus.On(b, func(ctx context.Context, e events.ProtocolMisuse) {
			if v, ok := s.callSpans.Load(e.CallID); ok {
				v.(trace.Span).AddEvent("protocol misuse", trace.WithAttributes(attribute.String("error", e.Err.Error())))
			}
		}),

		eventbus.On(b, func(ctx context.Context, e events.BatchStart) {
			_, span := s.tracer.Start(s.parent(ctx, e.CallID), "callchain.batch")
			span.SetAttributes(
				attribute.Int64("callchain.batch.seq", int64(e.Seq)),
				attribute.String("callchain.batch.ops", e.Ops),
			)
			s.batchSpans.Store(batchKey{e.CallID, e.Seq}, span)
		}),

		eventbus.On(b, func(ctx context.Context, e events.BatchFinish) {
			end(&s.batchSpans, batchKey{e.CallID, e.Seq}, func(span trace.Span) {
				if e.Err != nil {
					span.RecordError(e.Err)
					span.SetStatus(otelcodes.Error, e.Err.Error())
				}
			})
		}),

		eventbus.On(b, func(ctx context.Context, e events.GRPCClientStart) {
			id, _ := callid.FromContext(ctx)
			_, span := s.tracer.Start(s.parent(ctx, id), "grpc.client", trace.WithSpanKind(trace.SpanKindClient))
			span.SetAttributes(
				semconv.RPCSystemGRPC,
				semconv.RPCServiceKey.String(e.Service),
				semconv.RPCMethodKey.String(e.Method),
				attribute.String("net.peer.name", e.Target),
			)
			s.grpcSpans.Store(id, span)
		}),

		eventbus.On(b, func(ctx context.Context, e events.GRPCClientFinish) {
			id, _ := callid.FromContext(ctx)
			end(&s.grpcSpans, id, func(span trace.Span) {
				setCode(span, e.Code, "")
				if e.Err != nil {
					span.RecordError(e.Err)
				}
			})
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}
