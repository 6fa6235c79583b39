package ctxutil

import "context"

// RequestMeta carries caller details that security events record alongside
// the actor. It is set by the HTTP middleware and read by the event log, so
// neither gate nor dispatch needs to know about HTTP.
type RequestMeta struct {
	RequestID string
	IPAddress string
	UserAgent string
}

// WithRequestMeta returns a new context carrying m.
func WithRequestMeta(ctx context.Context, m RequestMeta) context.Context {
	return context.WithValue(ctx, keyRequestMeta, m)
}

// RequestMetaFromContext returns the request metadata, or the zero value.
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	if v, ok := ctx.Value(keyRequestMeta).(RequestMeta); ok {
		return v
	}
	return RequestMeta{}
}
