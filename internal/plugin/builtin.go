package plugin

import (
	"go.uber.org/zap"

	"github.com/apexgate/apexgate/internal/logging"
)

func init() {
	Register("request-logger", newRequestLogger)
	Register("header-stamp", newHeaderStamp)
}

// requestLogger logs a line per request at the afterResponse hook.
type requestLogger struct{}

func newRequestLogger(map[string]string) (Plugin, error) {
	return &requestLogger{}, nil
}

func (p *requestLogger) Metadata() Metadata {
	return Metadata{
		Name:        "request-logger",
		Version:     "1.0.0",
		Description: "logs request outcomes after the response is emitted",
		Author:      "apexgate",
	}
}

func (p *requestLogger) Hooks() map[string]Handler {
	return map[string]Handler{
		HookAfterResponse: func(ctx Context) (Context, error) {
			logging.Debug("request completed",
				zap.Any("requestId", ctx["requestId"]),
				zap.Any("status", ctx["status"]),
				zap.Any("service", ctx["service"]))
			return nil, nil
		},
	}
}

func (p *requestLogger) Cleanup() error { return nil }

// headerStamp injects configured key/value pairs into the context at
// beforeRequest; the pipeline copies "header.*" keys onto the request.
type headerStamp struct {
	stamps map[string]string
}

func newHeaderStamp(cfg map[string]string) (Plugin, error) {
	return &headerStamp{stamps: cfg}, nil
}

func (p *headerStamp) Metadata() Metadata {
	return Metadata{
		Name:        "header-stamp",
		Version:     "1.0.0",
		Description: "adds configured headers to every proxied request",
		Author:      "apexgate",
	}
}

func (p *headerStamp) Hooks() map[string]Handler {
	return map[string]Handler{
		HookBeforeRequest: func(Context) (Context, error) {
			out := Context{}
			for k, v := range p.stamps {
				out["header."+k] = v
			}
			return out, nil
		},
	}
}

func (p *headerStamp) Cleanup() error { return nil }
