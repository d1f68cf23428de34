package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"agentflow/internal/domain"
)

func TestAgentResponds(t *testing.T) {
	r, err := Kai().Process(context.Background(), "open ports", "security-scan", nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.Content != "[kai/security] security-scan: open ports" || r.Confidence != 0.9 {
		t.Fatalf("response = %+v", r)
	}
	r, err = Kai().Process(context.Background(), "  ", "security-scan", nil)
	if err != nil || r.Error != "" {
		t.Fatalf("payload-less task = %+v, %v", r, err)
	}
	if r.Content != "[kai/security] security-scan" || r.Confidence != 0.9 {
		t.Fatalf("response = %+v", r)
	}
}

type failing string

func (f failing) Process(context.Context, string, string, map[string]string) (domain.Response, error) {
	return domain.Response{}, errors.New(string(f))
}

func TestHints(t *testing.T) {
	_, err := Aura().Process(context.Background(), "q", "ui", map[string]string{HintFail: "nope"})
	if err == nil || err.Error() != "nope" {
		t.Fatalf("err = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = Aura().Process(ctx, "q", "ui", map[string]string{HintDelay: "5000"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("delay err = %v", err)
	}

	if _, err := Aura().Process(context.Background(), "q", "ui", map[string]string{HintDelay: "soon"}); err == nil {
		t.Fatal("bad delay accepted")
	}
}

func TestGenesisFusesMembers(t *testing.T) {
	g := NewGenesis(Aura(), Kai())
	r, err := g.Process(context.Background(), "plan", "fusion", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(r.Content, "[aura/creative]") || !strings.Contains(r.Content, "[kai/security]") {
		t.Fatalf("content = %q", r.Content)
	}
	if r.Confidence < 0.84 || r.Confidence > 0.86 {
		t.Fatalf("confidence = %v", r.Confidence)
	}

	r, err = g.Process(context.Background(), "", "fusion", nil)
	if err != nil || !strings.Contains(r.Content, "[kai/security] fusion") {
		t.Fatalf("payload-less fusion = %+v, %v", r, err)
	}

	if _, err := NewGenesis(failing("down"), failing("busy")).Process(context.Background(), "q", "fusion", nil); err == nil {
		t.Fatal("expected failure when no member answers")
	}
	r, err = NewGenesis(failing("down"), Kai()).Process(context.Background(), "q", "fusion", nil)
	if err != nil || r.Content != "[genesis] [kai/security] fusion: q" {
		t.Fatalf("partial fusion = %+v, %v", r, err)
	}

	r, err = NewGenesis().Process(context.Background(), "q", "complex", nil)
	if err != nil || r.Confidence != 0.5 {
		t.Fatalf("solo genesis = %+v, %v", r, err)
	}
}
