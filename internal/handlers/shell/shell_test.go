package shell

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandStdinAndEnv(t *testing.T) {
	requireSh(t)
	h := Command{
		Command:    "sh",
		Args:       []string{"-c", `read q; echo "$AGENTFLOW_TASK_TYPE $q $AGENTFLOW_CTX_RISK_LEVEL"`},
		Confidence: 0.6,
	}
	r, err := h.Process(context.Background(), "scan host\n", "security", map[string]string{"risk-level": "high"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Content != "security scan host high" || r.Confidence != 0.6 {
		t.Fatalf("response = %+v", r)
	}
}

func TestCommandFailure(t *testing.T) {
	requireSh(t)
	if _, err := (Command{Command: "sh", Args: []string{"-c", "echo bad >&2; exit 3"}}).Process(context.Background(), "", "", nil); err == nil {
		t.Fatal("expected error")
	}
	if _, err := (Command{}).Process(context.Background(), "", "", nil); err == nil {
		t.Fatal("empty command accepted")
	}
}

func TestCommandHonoursContext(t *testing.T) {
	requireSh(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := (Command{Command: "sh", Args: []string{"-c", "exec sleep 5"}}).Process(ctx, "", "", nil); err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("command outlived its context")
	}
}
