// Package agent provides the built-in aura, kai and genesis agents. They
// produce deterministic placeholder responses; real inference lives behind
// the http and shell backends.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"agentflow/internal/domain"
)

// Payload hints understood by every built-in agent.
const (
	HintDelay = "delay_ms"
	HintFail  = "fail"
)

type Agent struct {
	ID         domain.HandlerID
	Focus      string
	Confidence float64
}

func Aura() Agent {
	return Agent{ID: domain.HandlerAura, Focus: "creative", Confidence: 0.8}
}

func Kai() Agent {
	return Agent{ID: domain.HandlerKai, Focus: "security", Confidence: 0.9}
}

func (a Agent) Process(ctx context.Context, query, taskType string, params map[string]string) (domain.Response, error) {
	if err := hints(ctx, params); err != nil {
		return domain.Response{}, err
	}
	return domain.Response{
		Content:    answer(fmt.Sprintf("[%s/%s]", a.ID, a.Focus), query, taskType),
		Confidence: a.Confidence,
	}, nil
}

// answer labels the task type, followed by the query when one was given.
// Payload-less tasks such as a plain scan carry no query.
func answer(label, query, taskType string) string {
	if q := strings.TrimSpace(query); q != "" {
		return fmt.Sprintf("%s %s: %s", label, taskType, q)
	}
	return fmt.Sprintf("%s %s", label, taskType)
}

func hints(ctx context.Context, params map[string]string) error {
	if msg, ok := params[HintFail]; ok {
		if msg == "" {
			msg = "requested failure"
		}
		return errors.New(msg)
	}
	if v, ok := params[HintDelay]; ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", HintDelay, v, err)
		}
		t := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

type Processor interface {
	Process(ctx context.Context, query, taskType string, params map[string]string) (domain.Response, error)
}

// Genesis fuses the answers of its members. Members that fail are left out;
// it fails only when none answered.
type Genesis struct {
	Members []Processor
}

func NewGenesis(members ...Processor) Genesis { return Genesis{Members: members} }

func (g Genesis) Process(ctx context.Context, query, taskType string, params map[string]string) (domain.Response, error) {
	if err := hints(ctx, params); err != nil {
		return domain.Response{}, err
	}
	var (
		parts []string
		conf  float64
		errs  []error
	)
	for _, m := range g.Members {
		r, err := m.Process(ctx, query, taskType, nil)
		if err == nil && r.Error != "" {
			err = errors.New(r.Error)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		parts = append(parts, r.Content)
		conf += r.Confidence
	}
	if len(parts) == 0 {
		if len(errs) == 0 {
			return domain.Response{Content: answer("[genesis]", query, taskType), Confidence: 0.5}, nil
		}
		return domain.Response{}, fmt.Errorf("genesis: no member answered: %w", errors.Join(errs...))
	}
	return domain.Response{
		Content:    "[genesis] " + strings.Join(parts, " | "),
		Confidence: conf / float64(len(parts)),
	}, nil
}
