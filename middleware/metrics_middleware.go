package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"quic-exchange/message"
)

// Metrics holds the exchange collectors. Register them once per registry.
type Metrics struct {
	exchanges *prometheus.CounterVec
	duration  prometheus.Histogram
	bytes     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_handled_total",
				Help: "Total number of exchanges handled, by status",
			},
			[]string{"status"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "exchange_handler_duration_seconds",
				Help:    "Time spent producing a response",
				Buckets: prometheus.DefBuckets,
			},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_content_bytes_total",
				Help: "Message content bytes seen by the handler, by direction",
			},
			[]string{"direction"},
		),
	}
	reg.MustRegister(m.exchanges, m.duration, m.bytes)
	return m
}

func (m *Metrics) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (*message.Message, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			m.duration.Observe(time.Since(start).Seconds())

			m.bytes.WithLabelValues("request").Add(float64(req.Len()))
			if err != nil {
				m.exchanges.WithLabelValues("error").Inc()
				return resp, err
			}
			m.bytes.WithLabelValues("response").Add(float64(resp.Len()))
			m.exchanges.WithLabelValues("success").Inc()
			return resp, nil
		}
	}
}
