package archive

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"agentflow/internal/domain"
)

// These run against real servers when AGENTFLOW_TEST_REDIS_URL,
// AGENTFLOW_TEST_POSTGRES_DSN or AGENTFLOW_TEST_MONGO_URI is set.

func testRecord() domain.Record {
	id := "task_" + uuid.NewString()
	end := time.Now()
	return domain.Record{
		Item: domain.WorkItem{ID: id, Type: "ui-review", Priority: domain.PriorityLow, Status: domain.StatusCompleted, Handler: domain.HandlerAura},
		Result: domain.Result{
			TaskID: id, Handler: domain.HandlerAura, Status: domain.StatusCompleted, Success: true,
			Message: "looks fine", Confidence: 0.8, StartedAt: end.Add(-time.Second), EndedAt: end, Duration: time.Second,
		},
	}
}

func exercise(t *testing.T, a Archive) {
	t.Helper()
	ctx := context.Background()
	rec := testRecord()
	if err := a.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err := a.Get(ctx, rec.Item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Result.Message != "looks fine" || got.Item.Priority != domain.PriorityLow {
		t.Fatalf("got = %+v", got)
	}
	if _, err := a.Get(ctx, "task_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestRedisArchive(t *testing.T) {
	url := os.Getenv("AGENTFLOW_TEST_REDIS_URL")
	if url == "" {
		t.Skip("AGENTFLOW_TEST_REDIS_URL not set")
	}
	r, err := OpenRedis(context.Background(), url, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	exercise(t, r)
}

func TestPostgresArchive(t *testing.T) {
	dsn := os.Getenv("AGENTFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AGENTFLOW_TEST_POSTGRES_DSN not set")
	}
	p, err := OpenPostgres(context.Background(), dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	exercise(t, p)
}

func TestMongoArchive(t *testing.T) {
	uri := os.Getenv("AGENTFLOW_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("AGENTFLOW_TEST_MONGO_URI not set")
	}
	m, err := OpenMongo(context.Background(), uri, "agentflow_test")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	exercise(t, m)
}
