package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	Init()
	Init()

	ObserveOutcome("request_config", true)
	ObserveOutcome("request_config", false)
	ObserveOutcome("request_config", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(outcomesTotal.WithLabelValues("request_config", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(outcomesTotal.WithLabelValues("request_config", "error")))

	ObserveGatewayCall("create_peer", time.Now(), errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(gatewayCallsTotal.WithLabelValues("create_peer", "error")))

	ObserveWebhook("payment.succeeded", 200)
	assert.Equal(t, 1.0, testutil.ToFloat64(webhookTotal.WithLabelValues("payment.succeeded", "200")))
}
