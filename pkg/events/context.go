package events

import "context"

type sessionKey struct{}

// WithSessionID returns a context carrying the detection session ID. The
// engine attaches it to every Emit so sinks can group events by session.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session ID attached by WithSessionID, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
