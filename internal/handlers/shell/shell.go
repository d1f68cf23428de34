package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"agentflow/internal/domain"
)

// Command runs an external agent process per item. The query is written to
// stdin, the task type and context are passed as environment variables and
// stdout becomes the response content.
type Command struct {
	Command    string
	Args       []string
	Confidence float64
}

func (h Command) Process(ctx context.Context, query, taskType string, params map[string]string) (domain.Response, error) {
	if h.Command == "" {
		return domain.Response{}, fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, h.Command, h.Args...)
	cmd.Stdin = strings.NewReader(query)
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(), "AGENTFLOW_TASK_TYPE="+taskType)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, "AGENTFLOW_CTX_"+envName(k)+"="+params[k])
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return domain.Response{}, fmt.Errorf("shell error: %v; out=%s", err, stderr.String())
	}
	return domain.Response{Content: strings.TrimSpace(stdout.String()), Confidence: h.Confidence}, nil
}

func envName(k string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, k)
}
