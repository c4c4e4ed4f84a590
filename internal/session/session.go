package session

import (
	"context"
	"math/rand/v2"
	"unsafe"
)

// Unexported key types prevent collisions with other packages.
type (
	traceIDCtxKey    struct{}
	remoteInfoCtxKey struct{}
)

// WithNewTraceID ensures a trace ID is present in the context.
// If one does not exist, it generates a new random trace ID and returns
// a new context carrying it. If one already exists, the original context
// is returned unmodified.
func WithNewTraceID(ctx context.Context) context.Context {
	if _, ok := TraceIDFrom(ctx); ok {
		return ctx
	}

	return context.WithValue(ctx, traceIDCtxKey{}, generateTraceID())
}

// TraceIDFrom extracts a trace ID string from the context, if one exists.
func TraceIDFrom(ctx context.Context) (string, bool) {
	traceID, ok := ctx.Value(traceIDCtxKey{}).(string)
	return traceID, ok
}

// WithRemoteInfo returns a new context carrying the tunnel's target host.
func WithRemoteInfo(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, remoteInfoCtxKey{}, host)
}

// RemoteInfoFrom extracts the tunnel's target host from the context, if set.
func RemoteInfoFrom(ctx context.Context) (string, bool) {
	host, ok := ctx.Value(remoteInfoCtxKey{}).(string)
	return host, ok
}

// generateTraceID creates a new random 16-hex-char trace ID.
func generateTraceID() string {
	b := make([]byte, 16)

	// A 64-bit random value encodes as 16 hex characters.
	q := rand.Uint64()

	for i := 15; i >= 0; i-- {
		r := uint8(q & 0xF)
		q >>= 4
		if r > 9 {
			r += 0x27
		}
		b[i] = r + 0x30
	}

	return unsafe.String(unsafe.SliceData(b), 16)
}
