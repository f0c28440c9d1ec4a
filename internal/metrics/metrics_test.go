package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/be-approval-workflows/internal/notify"
)

var _ notify.Observer = (*Metrics)(nil)

func TestMetrics_Observer(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Delivered("nats")
	m.Delivered("nats")
	m.Failed("nats")
	m.Dropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.NotificationsSent.WithLabelValues("nats")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsFailed.WithLabelValues("nats")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsDrop))
}
