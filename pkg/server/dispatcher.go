package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/apphub-dev/apphub/pkg/protocol"
)

// Dispatcher maps packet-type identifiers to decoders and registered
// handlers. Registration happens once at startup; dispatch resolves a
// decode-then-call closure built at bind time, never per-call
// reflection.
type Dispatcher struct {
	mu       sync.RWMutex
	types    map[string]protocol.Type
	handlers map[string][]boundHandler

	tracer trace.Tracer
	logger *slog.Logger
}

// boundHandler is a handler closed over its packet type's decoder.
// The payload passed in has already been decoded by the registry.
type boundHandler func(ctx context.Context, s *Session, payload any) error

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		types:    make(map[string]protocol.Type),
		handlers: make(map[string][]boundHandler),
		tracer:   otel.Tracer("apphub/dispatcher"),
		logger:   logger.With("component", "dispatcher"),
	}
}

// Register adds packet types to the registry. Re-registering the same
// descriptor is idempotent; a second descriptor under an existing
// identifier is a ConflictError (fatal configuration error for the
// caller to propagate).
func (d *Dispatcher) Register(types ...protocol.Type) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range types {
		key := t.ID().Key()
		if existing, ok := d.types[key]; ok {
			if existing.Serial() == t.Serial() {
				continue
			}
			return &protocol.ConflictError{ID: t.ID(), Message: "packet type already registered"}
		}
		d.types[key] = t
	}
	return nil
}

// MustRegister is Register for startup wiring where a duplicate is a
// programming error.
func (d *Dispatcher) MustRegister(types ...protocol.Type) {
	if err := d.Register(types...); err != nil {
		panic(err)
	}
}

// Known reports whether a packet type key is registered.
func (d *Dispatcher) Known(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.types[key]
	return ok
}

// Bind attaches a typed handler to a packet type, closing it over the
// type's decoder. The packet type must be registered before any
// session dispatches to it.
func Bind[T any](d *Dispatcher, pt protocol.PacketType[T], handler func(ctx context.Context, s *Session, payload T) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := pt.ID().Key()
	d.handlers[key] = append(d.handlers[key], func(ctx context.Context, s *Session, payload any) error {
		typed, ok := payload.(T)
		if !ok {
			return fmt.Errorf("dispatcher: %s: payload is %T", key, payload)
		}
		return handler(ctx, s, typed)
	})
}

// Dispatch decodes a packet and invokes its bound handlers in
// registration order. An unknown type identifier or a payload that
// fails its decoder yields a ProtocolError; the caller turns that into
// a controlled disconnect.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, p protocol.Packet) error {
	d.mu.RLock()
	t, ok := d.types[p.Type]
	handlers := d.handlers[p.Type]
	d.mu.RUnlock()

	if !ok {
		return protocol.NewProtocolError(protocol.ReasonInvalidPacketType, "unknown packet type "+p.Type, nil)
	}

	ctx, span := d.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("packet.type", p.Type),
			attribute.Int("packet.size", len(p.Payload)),
			attribute.String("session.app", s.App().Key()),
		))
	defer span.End()

	payload, err := t.DecodeAny(p.Payload)
	if err != nil {
		span.SetStatus(codes.Error, "decode failed")
		span.RecordError(err)
		return err
	}

	for _, h := range handlers {
		if err := h(ctx, s, payload); err != nil {
			span.SetStatus(codes.Error, "handler failed")
			span.RecordError(err)
			return err
		}
	}
	return nil
}
