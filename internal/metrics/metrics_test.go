package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if leadsTotal == nil || recoveriesTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObservers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(leadsTotal.WithLabelValues("created"))
	ObserveLeads("created", 3)
	ObserveLeads("created", 0)
	if got := testutil.ToFloat64(leadsTotal.WithLabelValues("created")) - before; got != 3 {
		t.Errorf("expected 3 created leads, got %f", got)
	}

	restarts := testutil.ToFloat64(sessionRestartsTotal)
	IncSessionRestarts()
	if got := testutil.ToFloat64(sessionRestartsTotal); got != restarts+1 {
		t.Errorf("expected restart counter to increase, got %f", got)
	}

	ObserveRemedy("refresh", "responsive")
	if got := testutil.ToFloat64(remedyAttemptsTotal.WithLabelValues("refresh", "responsive")); got < 1 {
		t.Errorf("expected remedy counter, got %f", got)
	}
	ObservePacingDelay(2 * time.Second)
	if got := testutil.CollectAndCount(pacingDelaySeconds); got != 1 {
		t.Errorf("expected one pacing histogram, got %d", got)
	}
	ObserveChallengeState("verified")
	ObserveRotation("empty_results")
	ObserveRecovery("recovered")
}
