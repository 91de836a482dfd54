// Package context carries per-request metadata through context values, so
// log lines written deep in repositories and jobs still identify the request
// and the API key behind it.
package context

import "context"

type contextKey string

const (
	requestIDKey  = contextKey("request-id")
	methodKey     = contextKey("method")
	routeKey      = contextKey("route")
	remoteIPKey   = contextKey("remote-ip")
	refererKey    = contextKey("referer")
	apiKeyNameKey = contextKey("api-key-name")
	adminKeyKey   = contextKey("api-key-admin")
)

func setString(ctx context.Context, key contextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

func getString(ctx context.Context, key contextKey) string {
	value, _ := ctx.Value(key).(string)
	return value
}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return setString(ctx, requestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return getString(ctx, requestIDKey)
}

func SetMethod(ctx context.Context, method string) context.Context {
	return setString(ctx, methodKey, method)
}

func GetMethod(ctx context.Context) string {
	return getString(ctx, methodKey)
}

func SetRoute(ctx context.Context, route string) context.Context {
	return setString(ctx, routeKey, route)
}

func GetRoute(ctx context.Context) string {
	return getString(ctx, routeKey)
}

func SetRemoteIP(ctx context.Context, remoteIP string) context.Context {
	return setString(ctx, remoteIPKey, remoteIP)
}

func GetRemoteIP(ctx context.Context) string {
	return getString(ctx, remoteIPKey)
}

func SetReferer(ctx context.Context, referer string) context.Context {
	return setString(ctx, refererKey, referer)
}

func GetReferer(ctx context.Context) string {
	return getString(ctx, refererKey)
}

// SetAPIKeyName records the name of the authenticated key so request logs
// identify the caller without exposing the key itself.
func SetAPIKeyName(ctx context.Context, name string) context.Context {
	return setString(ctx, apiKeyNameKey, name)
}

func GetAPIKeyName(ctx context.Context) string {
	return getString(ctx, apiKeyNameKey)
}

func SetAdminKey(ctx context.Context, admin bool) context.Context {
	return context.WithValue(ctx, adminKeyKey, admin)
}

func GetAdminKey(ctx context.Context) bool {
	admin, _ := ctx.Value(adminKeyKey).(bool)
	return admin
}
