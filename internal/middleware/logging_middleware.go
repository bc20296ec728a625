package middleware

import (
	"time"

	"github.com/annel0/zonesync/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TraceIDKey - ключ gin.Context с идентификатором трассировки запроса
	TraceIDKey = "trace_id"
	// TraceIDHeader - заголовок ответа с тем же идентификатором
	TraceIDHeader = "X-Trace-Id"
)

// RequestLogger присваивает запросу trace-id и пишет строку в логгер API по завершении.
// Ответы 5xx пишутся как WARN, остальные как INFO.
type RequestLogger struct {
	log *logging.Logger
}

func NewRequestLogger() *RequestLogger {
	return &RequestLogger{log: logging.GetAPILogger()}
}

func (rl *RequestLogger) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := traceIDOf(c)
		c.Set(TraceIDKey, traceID)
		c.Header(TraceIDHeader, traceID)

		start := time.Now()
		c.Next()

		code := c.Writer.Status()
		if code >= 500 {
			rl.log.Warn("[HTTP] %s %s %d %s trace=%s errors=%s", c.Request.Method, route(c), code, time.Since(start), traceID, c.Errors.String())
			return
		}
		rl.log.Info("[HTTP] %s %s %d %s ip=%s trace=%s", c.Request.Method, route(c), code, time.Since(start), c.ClientIP(), traceID)
	}
}

// traceIDOf берёт trace-id из спана otelgin, без спана генерирует uuid
func traceIDOf(c *gin.Context) string {
	if sc := trace.SpanFromContext(c.Request.Context()).SpanContext(); sc.IsValid() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}
