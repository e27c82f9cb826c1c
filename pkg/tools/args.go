package tools

import "context"

// StringArg returns args[key] as a string, or def when it is missing,
// empty or not a string.
func StringArg(args map[string]any, key, def string) string {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return def
	}
	return v
}

type userKey struct{}

// WithUser attaches the user a tool acts on behalf of.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// User returns the user attached by WithUser, or "".
func User(ctx context.Context) string {
	u, _ := ctx.Value(userKey{}).(string)
	return u
}
