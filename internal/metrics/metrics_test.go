package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agentflow/internal/domain"
)

func TestRecorderExposition(t *testing.T) {
	r := New()
	r.Submitted(domain.HandlerKai, false)
	r.Submitted(domain.HandlerGenesis, true)
	r.Finished(domain.HandlerKai, domain.StatusCompleted, 20*time.Millisecond)
	r.Queue(domain.QueueStatus{Ready: 3, Delayed: 1, Active: 2})

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	body := string(b)

	for _, want := range []string{
		`agentflow_tasks_submitted_total{handler="kai"} 1`,
		`agentflow_tasks_default_routed_total 1`,
		`agentflow_tasks_finished_total{handler="kai",status="COMPLETED"} 1`,
		`agentflow_queue_length{state="ready"} 3`,
		`agentflow_active_tasks 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestCancelledSkipsDuration(t *testing.T) {
	r := New()
	r.Finished(domain.HandlerAura, domain.StatusCancelled, 0)
	r.Finished(domain.HandlerKai, domain.StatusFailed, 10*time.Millisecond)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	body := string(b)

	if !strings.Contains(body, `agentflow_tasks_finished_total{handler="aura",status="CANCELLED"} 1`) {
		t.Error("cancelled item not counted")
	}
	if strings.Contains(body, `agentflow_task_duration_seconds_count{handler="aura"}`) {
		t.Error("cancelled item observed in duration histogram")
	}
	if !strings.Contains(body, `agentflow_task_duration_seconds_count{handler="kai"} 1`) {
		t.Error("failed item missing from duration histogram")
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Submitted(domain.HandlerAura, true)
	r.Finished(domain.HandlerAura, domain.StatusFailed, time.Second)
	r.LoopError()
	r.Retried()
	r.ArchiveError()
	r.Queue(domain.QueueStatus{})
}
