package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordRun(t *testing.T) {
	before := testutil.ToFloat64(pipelineRuns.WithLabelValues("exhausted"))
	RecordRun("exhausted", 3)
	assert.Equal(t, before+1, testutil.ToFloat64(pipelineRuns.WithLabelValues("exhausted")))
}

func TestRecordStageFailure(t *testing.T) {
	before := testutil.ToFloat64(stageFailures.WithLabelValues("call_webhook"))
	RecordStageFailure("call_webhook")
	RecordStageFailure("call_webhook")
	assert.Equal(t, before+2, testutil.ToFloat64(stageFailures.WithLabelValues("call_webhook")))
}

func TestRecordLLMCallAndRollback(t *testing.T) {
	okBefore := testutil.ToFloat64(llmCalls.WithLabelValues("planner", "openai", "ok"))
	errBefore := testutil.ToFloat64(llmCalls.WithLabelValues("planner", "openai", "error"))
	RecordLLMCall("planner", "openai", nil)
	RecordLLMCall("planner", "openai", errors.New("boom"))
	assert.Equal(t, okBefore+1, testutil.ToFloat64(llmCalls.WithLabelValues("planner", "openai", "ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(llmCalls.WithLabelValues("planner", "openai", "error")))

	rb := testutil.ToFloat64(rollbacks.WithLabelValues("error"))
	RecordRollback(errors.New("deactivate failed"))
	assert.Equal(t, rb+1, testutil.ToFloat64(rollbacks.WithLabelValues("error")))
}

func TestGaugesAndCounters(t *testing.T) {
	SetLogSubscribers(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(logSubscribers))

	before := testutil.ToFloat64(cleanupDeleted)
	AddCleanupDeleted(5)
	assert.Equal(t, before+5, testutil.ToFloat64(cleanupDeleted))
}

func TestRecordRemote(t *testing.T) {
	RecordRemote("create_workflow", 201, 30*time.Millisecond)
	RecordRemote("create_workflow", 0, time.Second)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(remoteRequests), 2)
}
