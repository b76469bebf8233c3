package context

import "context"

type ContextKey string

var (
	RequestIDKey     = ContextKey("X-Request-Id")
	MethodKey        = ContextKey("X-Method")
	RouteKey         = ContextKey("X-Route")
	RemoteIPKey      = ContextKey("X-Remote-Ip")
	ExecutionNameKey = ContextKey("X-Execution-Name")
	ExecutionIDKey   = ContextKey("X-Execution-Id")
	StageKey         = ContextKey("X-Stage")
)

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

func SetMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, MethodKey, method)
}

func GetMethod(ctx context.Context) string {
	return getString(ctx, MethodKey)
}

func SetRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, RouteKey, route)
}

func GetRoute(ctx context.Context) string {
	return getString(ctx, RouteKey)
}

func SetRemoteIP(ctx context.Context, remoteIP string) context.Context {
	return context.WithValue(ctx, RemoteIPKey, remoteIP)
}

func GetRemoteIP(ctx context.Context) string {
	return getString(ctx, RemoteIPKey)
}

// SetExecution tags the context with the workflow execution it belongs to.
func SetExecution(ctx context.Context, name, id string) context.Context {
	ctx = context.WithValue(ctx, ExecutionNameKey, name)
	return context.WithValue(ctx, ExecutionIDKey, id)
}

func GetExecutionName(ctx context.Context) string {
	return getString(ctx, ExecutionNameKey)
}

func GetExecutionID(ctx context.Context) string {
	return getString(ctx, ExecutionIDKey)
}

func SetStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, StageKey, stage)
}

func GetStage(ctx context.Context) string {
	return getString(ctx, StageKey)
}

func getString(ctx context.Context, key ContextKey) string {
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}
