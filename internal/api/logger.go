package api

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"schoolbus-tracker/internal/metrics"
)

// newLogger logs one line per request at a level chosen by status class and
// records the request duration.
func newLogger(m *metrics.Collector) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		startTime := time.Now()
		err = c.Next()
		if err != nil {
			// render now so the logged status is the one sent
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		code := c.Response().StatusCode()
		latency := time.Since(startTime)
		if m != nil {
			m.RequestDuration.WithLabelValues(c.Method(), c.Route().Path, strconv.Itoa(code)).Observe(latency.Seconds())
		}

		msg := "HTTP Request"
		if err != nil {
			msg = err.Error()
		}
		requestLogger := log.With().
			Int("status", code).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("ip", c.IP()).
			Str("latency", latency.String()).
			Logger()

		switch {
		case code >= fiber.StatusInternalServerError:
			requestLogger.Error().Msg(msg)
		case code >= fiber.StatusBadRequest:
			requestLogger.Warn().Msg(msg)
		default:
			requestLogger.Debug().Msg(msg)
		}
		return nil
	}
}
