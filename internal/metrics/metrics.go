// Package metrics exposes hub statistics in the Prometheus text format.
//
// Families are built from a fresh snapshot on every scrape, so there is no
// registry to keep in sync with the hub.
package metrics

import (
	"bytes"
	"log/slog"
	"net/http"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/tracksnap/parcelhub/internal/hub"
)

// Source is what a scrape reads from.
type Source interface {
	Stats() hub.Stats
	Counters() hub.Counters
}

// Families renders a snapshot of src as metric families sorted by name.
func Families(src Source) []*dto.MetricFamily {
	stats := src.Stats()
	counters := src.Counters()

	subscriptions := 0
	topics := make([]string, 0, len(stats.TopicSubscriberCounts))
	for topic, n := range stats.TopicSubscriberCounts {
		subscriptions += n
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	perTopic := make([]*dto.Metric, 0, len(topics))
	for _, topic := range topics {
		perTopic = append(perTopic, &dto.Metric{
			Label: []*dto.LabelPair{{Name: ptr("topic"), Value: ptr(topic)}},
			Gauge: &dto.Gauge{Value: ptr(float64(stats.TopicSubscriberCounts[topic]))},
		})
	}

	return []*dto.MetricFamily{
		gauge("parcelhub_connected_clients", "Registered WebSocket connections.", float64(stats.TotalConnectedClients)),
		counter("parcelhub_deliveries_dropped_total", "Deliveries that failed and evicted the connection.", counters.Dropped),
		counter("parcelhub_deliveries_total", "Events handed to a connection's send queue.", counters.Delivered),
		counter("parcelhub_events_published_total", "Publish calls, including ones with no subscribers.", counters.Published),
		gauge("parcelhub_subscriptions", "Connection-topic subscription pairs.", float64(subscriptions)),
		counter("parcelhub_swept_connections_total", "Closed connections removed by the sweeper.", counters.SweptConnections),
		{
			Name:   ptr("parcelhub_topic_subscribers"),
			Help:   ptr("Subscribers per tracked topic."),
			Type:   dto.MetricType_GAUGE.Enum(),
			Metric: perTopic,
		},
		gauge("parcelhub_topics_tracked", "Topics with at least one subscriber.", float64(stats.TotalTopicsTracked)),
	}
}

// Handler serves the families of src on each request.
func Handler(src Source, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		for _, mf := range Families(src) {
			// The text format has no way to express an empty family.
			if len(mf.GetMetric()) == 0 {
				continue
			}
			if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
				logger.Error("failed to render metrics", "family", mf.GetName(), "err", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		}
		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		_, _ = w.Write(buf.Bytes())
	})
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   ptr(name),
		Help:   ptr(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: ptr(v)}}},
	}
}

func counter(name, help string, v uint64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   ptr(name),
		Help:   ptr(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Counter: &dto.Counter{Value: ptr(float64(v))}}},
	}
}

func ptr[T any](v T) *T { return &v }
