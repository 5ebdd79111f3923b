package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/hogwild/internal/model"
)

func seedRun(t *testing.T, srv *Server, name string) *model.Run {
	t.Helper()
	r := &model.Run{
		ID:        model.NewID(),
		Name:      name,
		Mode:      model.ModeNormal,
		Status:    model.StatusInit,
		Processes: 2,
		OutputDir: "/scratch/" + name + ".hogwild",
		CreatedAt: time.Now().UTC(),
	}
	if err := srv.store.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return r
}

func TestListRuns(t *testing.T) {
	srv := newTestServer(t)
	for i := range 3 {
		seedRun(t, srv, fmt.Sprintf("run-%d", i))
	}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var body listRunsResponse
	if code := getJSON(t, ts.URL+"/v1/runs?limit=2", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.Total != 3 || len(body.Runs) != 2 || body.Limit != 2 {
		t.Errorf("body = %+v", body)
	}

	if code := getJSON(t, ts.URL+"/v1/runs?limit=1000&offset=-4", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.Limit != defaultListLimit || body.Offset != 0 {
		t.Errorf("limit/offset = %d/%d, want clamped", body.Limit, body.Offset)
	}
}

func TestListRunsEmpty(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	var body listRunsResponse
	getJSON(t, ts.URL+"/v1/runs", &body)
	if body.Runs == nil || len(body.Runs) != 0 {
		t.Errorf("runs = %v, want empty list", body.Runs)
	}
}

func TestGetRun(t *testing.T) {
	srv := newTestServer(t)
	r := seedRun(t, srv, "mnist")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var got model.Run
	if code := getJSON(t, ts.URL+"/v1/runs/"+r.ID, &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got.ID != r.ID || got.Name != "mnist" {
		t.Errorf("run = %+v", got)
	}

	if code := getJSON(t, ts.URL+"/v1/runs/missing", nil); code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", code)
	}
}

func TestGetRunByName(t *testing.T) {
	srv := newTestServer(t)
	seedRun(t, srv, "mnist")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var got model.Run
	if code := getJSON(t, ts.URL+"/v1/runs/by-name/mnist", &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got.Name != "mnist" {
		t.Errorf("run = %+v", got)
	}
	if code := getJSON(t, ts.URL+"/v1/runs/by-name/other", nil); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestListEvalsFiltersByPhase(t *testing.T) {
	srv := newTestServer(t)
	r := seedRun(t, srv, "mnist")
	ctx := context.Background()
	for i, phase := range []string{model.PhaseAttack, model.PhasePostAttack, model.PhaseRecovery} {
		if err := srv.store.InsertEvalRecord(ctx, r.ID, model.EvalRecord{Time: i, Phase: phase}); err != nil {
			t.Fatal(err)
		}
	}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var all evalsResponse
	getJSON(t, ts.URL+"/v1/runs/"+r.ID+"/evals", &all)
	if len(all.Records) != 3 {
		t.Errorf("records = %+v, want 3", all.Records)
	}

	var post evalsResponse
	getJSON(t, ts.URL+"/v1/runs/"+r.ID+"/evals?phase=post-attack", &post)
	if len(post.Records) != 1 || post.Records[0].Time != 1 {
		t.Errorf("post-attack records = %+v", post.Records)
	}
}

func TestLatestEval(t *testing.T) {
	srv := newTestServer(t)
	r := seedRun(t, srv, "mnist")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	url := ts.URL + "/v1/runs/" + r.ID + "/evals/latest"

	if code := getJSON(t, url, nil); code != http.StatusNotFound {
		t.Errorf("status with no records = %d, want 404", code)
	}

	ctx := context.Background()
	for i := range 3 {
		if err := srv.store.InsertEvalRecord(ctx, r.ID, model.EvalRecord{Time: i, Phase: model.PhaseTrain}); err != nil {
			t.Fatal(err)
		}
	}
	var stored model.EvalRecord
	if code := getJSON(t, url, &stored); code != http.StatusOK || stored.Time != 2 {
		t.Errorf("stored latest = %d %+v, want time 2", code, stored)
	}

	srv.broker.Publish(r.ID, model.EvalRecord{Time: 7, Phase: model.PhaseRecovery})
	var live model.EvalRecord
	if code := getJSON(t, url, &live); code != http.StatusOK || live.Time != 7 {
		t.Errorf("live latest = %d %+v, want time 7", code, live)
	}
}

func TestListWorkersAndLogs(t *testing.T) {
	srv := newTestServer(t)
	r := seedRun(t, srv, "mnist")
	ctx := context.Background()
	if err := srv.store.UpsertWorker(ctx, &model.Worker{
		RunID: r.ID, Rank: 1, Role: model.RoleTrain, Status: model.WorkerRunning, StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	for rank, line := range []string{"zero", "one"} {
		if err := srv.store.InsertLogLine(ctx, r.ID, rank, 0, line); err != nil {
			t.Fatal(err)
		}
	}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var workers workersResponse
	getJSON(t, ts.URL+"/v1/runs/"+r.ID+"/workers", &workers)
	if len(workers.Workers) != 1 || workers.Workers[0].Rank != 1 {
		t.Errorf("workers = %+v", workers.Workers)
	}

	var all logsResponse
	getJSON(t, ts.URL+"/v1/runs/"+r.ID+"/logs", &all)
	if len(all.Lines) != 2 || all.Rank != -1 {
		t.Errorf("all logs = %+v", all)
	}

	var one logsResponse
	getJSON(t, ts.URL+"/v1/runs/"+r.ID+"/logs?rank=1", &one)
	if len(one.Lines) != 1 || one.Lines[0].Line != "one" {
		t.Errorf("rank 1 logs = %+v", one.Lines)
	}
}

func TestListCheckpoints(t *testing.T) {
	srv := newTestServer(t)
	r := seedRun(t, srv, "mnist")
	save := model.CheckpointSave{RunID: r.ID, Path: "/ckpt/hogwild.ckpt", Accuracy: 0.7, SavedAt: time.Now().UTC()}
	if err := srv.store.InsertCheckpointSave(context.Background(), save); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var body checkpointsResponse
	getJSON(t, ts.URL+"/v1/runs/"+r.ID+"/checkpoints", &body)
	if len(body.Saves) != 1 || body.Saves[0].Accuracy != 0.7 {
		t.Errorf("saves = %+v", body.Saves)
	}
}

func TestGetStats(t *testing.T) {
	srv := newTestServer(t)
	r := seedRun(t, srv, "a")
	seedRun(t, srv, "b")
	if err := srv.store.UpdateBestAccuracy(context.Background(), r.ID, 0.9); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var stats statsResponse
	if code := getJSON(t, ts.URL+"/v1/stats", &stats); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if stats.Total != 2 || stats.ByMode[model.ModeNormal] != 2 || stats.BestAccuracy != 0.9 {
		t.Errorf("stats = %+v", stats)
	}
}
