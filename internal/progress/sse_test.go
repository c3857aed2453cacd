package progress

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/chatwire/internal/auth"
	"github.com/ashureev/chatwire/internal/domain"
	"github.com/go-chi/chi/v5"
)

func TestSSEStreamParsesEvents(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		": keepalive",
		"",
		"id: 1",
		"event: progress",
		`data: {"job_id":"j","progress":10,`,
		`data: "current_step":"load","status":"running"}`,
		"",
		"retry: 3000",
		"data: plain",
		"",
		"event: complete",
		`data: {"status":"completed","message":"ok"}`,
	}, "\n")
	s := &sseStream{body: io.NopCloser(strings.NewReader(raw)), reader: bufio.NewReader(strings.NewReader(raw))}
	ctx := context.Background()

	ev, err := s.Next(ctx)
	if err != nil || ev.Name != EventProgress {
		t.Fatalf("unexpected first event %+v err=%v", ev, err)
	}
	if !strings.Contains(string(ev.Data), `"current_step":"load"`) {
		t.Fatalf("expected multi-line data joined, got %s", ev.Data)
	}

	ev, err = s.Next(ctx)
	if err != nil || ev.Name != "message" || string(ev.Data) != "plain" {
		t.Fatalf("unexpected second event %+v err=%v", ev, err)
	}

	ev, err = s.Next(ctx)
	if err != nil || ev.Name != EventComplete {
		t.Fatalf("unexpected trailing event %+v err=%v", ev, err)
	}

	if _, err := s.Next(ctx); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}

func TestSSESourceEndToEnd(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.Get("/api/etl/jobs/{jobID}/progress", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		jobID := chi.URLParam(req, "jobID")
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "event: progress\ndata: {\"job_id\":%q,\"progress\":55,\"current_step\":\"transform\",\"status\":\"running\"}\n\n", jobID)
		flusher.Flush()
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: complete\ndata: {\"status\":\"completed\",\"message\":\"finished\"}\n\n")
		flusher.Flush()
		<-req.Context().Done()
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	src := &SSESource{
		URLTemplate: srv.URL + "/api/etl/jobs/" + JobIDPlaceholder + "/progress",
		Tokens:      auth.Static("tok"),
	}
	c := NewClient(Options{JobID: "job-7", Source: src, Logger: discardLogger()})
	t.Cleanup(c.Disconnect)

	c.Connect()
	waitFor(t, "finished", func() bool { return c.State().Finished })
	snap := c.Snapshot()
	if snap.Status != domain.JobCompleted || snap.Progress != 100 || snap.CurrentStep != "transform" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestSSESourceRejectsNonOK(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such job", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	src := &SSESource{URLTemplate: srv.URL + "/jobs/" + JobIDPlaceholder}
	_, err := src.Open(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected status error, got %v", err)
	}
}
