package middleware

import (
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
)

// Logger writes one line per request and records request metrics. It runs
// after Context so the request fields are already on the context.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			start := time.Now()
			if err = next(c); err != nil {
				c.Error(err)
			}
			elapsed := time.Since(start)

			ctx := c.Request().Context()
			res := c.Response()
			route := c.Path()
			if route == "" {
				route = context.GetRoute(ctx)
			}
			status := strconv.Itoa(res.Status)

			metrics.RecordHTTPRequest(context.GetMethod(ctx), route, status, elapsed.Seconds())

			entry := logger.WithContext(ctx).WithFields(map[string]any{
				"request_id":    context.GetRequestID(ctx),
				"method":        context.GetMethod(ctx),
				"route":         route,
				"status":        res.Status,
				"remote_ip":     context.GetRemoteIP(ctx),
				"response_time": elapsed,
				"response_size": res.Size,
			})
			if res.Status >= 500 {
				entry.Error("Request failed")
			} else {
				entry.Info("Request")
			}

			return nil
		}
	}
}
