package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordRequest(t *testing.T) {
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("GET", "/api/conversations", "200"))
	RecordRequest("GET", "/api/conversations", "200", 0.01)
	RecordRequest("GET", "/api/conversations", "200", 0.02)
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("GET", "/api/conversations", "200"))
	assert.Equal(t, before+2, after)
}

func TestActiveStreams(t *testing.T) {
	before := testutil.ToFloat64(StreamsActive)
	IncrementStreams()
	IncrementStreams()
	DecrementStreams()
	assert.Equal(t, before+1, testutil.ToFloat64(StreamsActive))
	DecrementStreams()
	assert.Equal(t, before, testutil.ToFloat64(StreamsActive))
}
