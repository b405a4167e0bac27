package nanny

import (
	"testing"
	"time"
)

func TestAlwaysHealthy(t *testing.T) {
	if !AlwaysHealthy(HealthReport{Load: 10 * time.Second}) {
		t.Fatal("AlwaysHealthy must always return true")
	}
}

func TestMaxLoadPolicy(t *testing.T) {
	policy := MaxLoadPolicy(500 * time.Millisecond)

	if !policy(HealthReport{Load: 100 * time.Millisecond}) {
		t.Fatal("expected worker under the threshold to be healthy")
	}
	if policy(HealthReport{Load: 500 * time.Millisecond}) {
		t.Fatal("expected worker at the threshold to be unhealthy")
	}
	if policy(HealthReport{Load: time.Second}) {
		t.Fatal("expected worker over the threshold to be unhealthy")
	}
}
