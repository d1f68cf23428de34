package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agentflow/internal/domain"
	"agentflow/internal/metrics"
	"agentflow/internal/routing"
	"agentflow/internal/scheduler"
	"agentflow/internal/worker"
)

func newTestServer(t *testing.T, secret string, h worker.Handler) (*httptest.Server, *worker.Dispatcher) {
	t.Helper()
	if h == nil {
		h = worker.HandlerFunc(func(ctx context.Context, query, taskType string, _ map[string]string) (domain.Response, error) {
			return domain.Response{Content: query, Confidence: 0.7}, nil
		})
	}
	rec := metrics.New()
	d, err := worker.New(map[domain.HandlerID]worker.Handler{
		domain.HandlerAura: h, domain.HandlerKai: h, domain.HandlerGenesis: h,
	}, worker.Options{PollInterval: 5 * time.Millisecond, Metrics: rec})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(NewServer(Config{
		Dispatcher: d,
		Schedules:  scheduler.NewMemoryStore(),
		Metrics:    rec,
		JWTSecret:  secret,
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return srv, d
}

func do(t *testing.T, method, url, body string, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp
}

func TestSubmitAndFetchResult(t *testing.T) {
	srv, _ := newTestServer(t, "", nil)

	var item domain.WorkItem
	resp := do(t, "POST", srv.URL+"/api/tasks", `{"type":"security-scan","payload":{"query":"check ports"},"priority":"HIGH"}`, &item)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if item.Handler != domain.HandlerKai || item.Priority != domain.PriorityHigh || item.Status != domain.StatusPending {
		t.Fatalf("item = %+v", item)
	}

	var res domain.Result
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp = do(t, "GET", srv.URL+"/api/tasks/"+item.ID+"/result", "", &res)
		if resp.StatusCode == 200 {
			break
		}
		if resp.StatusCode != http.StatusNotFound || time.Now().After(deadline) {
			t.Fatalf("result status = %d", resp.StatusCode)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !res.Success || res.Message != "check ports" || res.Status != domain.StatusCompleted {
		t.Fatalf("result = %+v", res)
	}

	var got domain.WorkItem
	do(t, "GET", srv.URL+"/api/tasks/"+item.ID, "", &got)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}

	var list []domain.WorkItem
	do(t, "GET", srv.URL+"/api/tasks?status=completed&handler=kai", "", &list)
	if len(list) != 1 || list[0].ID != item.ID {
		t.Fatalf("list = %+v", list)
	}
	if resp := do(t, "GET", srv.URL+"/api/tasks?status=bogus", "", nil); resp.StatusCode != 400 {
		t.Fatalf("bad filter status = %d", resp.StatusCode)
	}

	// finished items cannot be cancelled
	if resp := do(t, "DELETE", srv.URL+"/api/tasks/"+item.ID, "", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
}

func TestUnknownTaskIs404(t *testing.T) {
	srv, _ := newTestServer(t, "", nil)
	for _, path := range []string{"/api/tasks/task_missing", "/api/tasks/task_missing/result", "/api/schedules/sch_missing"} {
		if resp := do(t, "GET", srv.URL+path, "", nil); resp.StatusCode != 404 {
			t.Fatalf("%s: status = %d", path, resp.StatusCode)
		}
	}
	if resp := do(t, "DELETE", srv.URL+"/api/tasks/task_missing", "", nil); resp.StatusCode != 404 {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
}

func TestCancelFutureTask(t *testing.T) {
	srv, _ := newTestServer(t, "", nil)
	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	var item domain.WorkItem
	do(t, "POST", srv.URL+"/api/tasks", `{"type":"ui","scheduled_at":"`+at+`"}`, &item)

	var cancelled domain.WorkItem
	if resp := do(t, "DELETE", srv.URL+"/api/tasks/"+item.ID, "", &cancelled); resp.StatusCode != 200 {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
}

func TestRouteDryRun(t *testing.T) {
	srv, _ := newTestServer(t, "", nil)
	var dec routing.Decision
	do(t, "POST", srv.URL+"/api/route", `{"type":"quarterly-report","handler_preference":"nobody"}`, &dec)
	if dec.Handler != domain.HandlerGenesis || !dec.Defaulted || dec.IgnoredPreference != "nobody" {
		t.Fatalf("decision = %+v", dec)
	}
}

func TestStatsAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, "", nil)
	do(t, "POST", srv.URL+"/api/tasks", `{"type":"creative-brief"}`, nil)

	var snap domain.Snapshot
	do(t, "GET", srv.URL+"/api/stats", "", &snap)
	if snap.Stats.Total != 1 || snap.Queue.Capacity != 5 {
		t.Fatalf("snapshot = %+v", snap)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), `agentflow_tasks_submitted_total{handler="aura"} 1`) {
		t.Fatalf("metrics missing submitted counter:\n%s", buf.String())
	}
}

func TestSystemStats(t *testing.T) {
	srv, _ := newTestServer(t, "", nil)
	var st SystemStats
	if resp := do(t, "GET", srv.URL+"/api/system", "", &st); resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if st.NumGoroutine == 0 || st.TotalCPUCores == 0 || st.Queue.Capacity != 5 {
		t.Fatalf("system = %+v", st)
	}
}

func TestStatsStream(t *testing.T) {
	srv, _ := newTestServer(t, "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/stats/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("content-type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var snap domain.Snapshot
			if err := json.Unmarshal([]byte(data), &snap); err != nil {
				t.Fatal(err)
			}
			return
		}
	}
	t.Fatalf("no snapshot event: %v", sc.Err())
}

func TestScheduleCRUD(t *testing.T) {
	srv, _ := newTestServer(t, "", nil)

	if resp := do(t, "POST", srv.URL+"/api/schedules", `{"name":"x","cron_expr":"bad","task_type":"ui"}`, nil); resp.StatusCode != 400 {
		t.Fatalf("bad cron status = %d", resp.StatusCode)
	}

	var created createScheduleResp
	resp := do(t, "POST", srv.URL+"/api/schedules", `{"name":"nightly","cron_expr":"0 2 * * *","task_type":"security-audit","priority":"HIGH"}`, &created)
	if resp.StatusCode != http.StatusCreated || !strings.HasPrefix(created.ID, "sch_") || created.NextRun.IsZero() {
		t.Fatalf("create = %d %+v", resp.StatusCode, created)
	}

	var sc domain.Schedule
	do(t, "PUT", srv.URL+"/api/schedules/"+created.ID, `{"enabled":false,"handler_preference":"aura"}`, &sc)
	if sc.Enabled || sc.HandlerPreference != "aura" || sc.Priority != domain.PriorityHigh || sc.Name != "nightly" {
		t.Fatalf("updated = %+v", sc)
	}

	var list []domain.Schedule
	do(t, "GET", srv.URL+"/api/schedules", "", &list)
	if len(list) != 1 {
		t.Fatalf("list = %+v", list)
	}

	if resp := do(t, "DELETE", srv.URL+"/api/schedules/"+created.ID, "", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if resp := do(t, "DELETE", srv.URL+"/api/schedules/"+created.ID, "", nil); resp.StatusCode != 404 {
		t.Fatalf("second delete status = %d", resp.StatusCode)
	}
}

func TestBearerAuth(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret", nil)

	if resp := do(t, "GET", srv.URL+"/api/stats", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", resp.StatusCode)
	}
	if resp := do(t, "GET", srv.URL+"/health", "", nil); resp.StatusCode != 200 {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	sign := func(secret string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "ops",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		s, err := tok.SignedString([]byte(secret))
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	for secret, want := range map[string]int{"s3cret": 200, "wrong": http.StatusUnauthorized} {
		req, _ := http.NewRequest("GET", srv.URL+"/api/stats", nil)
		req.Header.Set("Authorization", "Bearer "+sign(secret))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("secret %q: status = %d, want %d", secret, resp.StatusCode, want)
		}
	}
}
