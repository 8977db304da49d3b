// Package middleware wires the Echo middleware stack.
package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
)

// Setup attaches recovery, request ids, and request logging.
func Setup(e *echo.Echo) {
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(requestLogger)
}

func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)

		req := c.Request()
		res := c.Response()
		fields := zaplogger.Fields{
			"method":  req.Method,
			"uri":     req.RequestURI,
			"status":  res.Status,
			"latency": time.Since(start).String(),
			"ip":      c.RealIP(),
		}
		if err != nil {
			fields["error"] = err
			zaplogger.Warn("http request", fields)
		} else {
			zaplogger.Debug("http request", fields)
		}
		return err
	}
}
