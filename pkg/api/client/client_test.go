package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDeploySendsBearerAndPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/deploy" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected authorization %q", got)
		}
		var in DeployInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode: %v", err)
		}
		if in.Repo != "app" || in.CloneURL != "https://github.com/ana/app.git" {
			t.Errorf("unexpected payload %+v", in)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"deployment_id":"rec-1","url":"http://h:3001","port":3001,"detected_stack":"go","container_handle":"ana-app"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := c.Deploy(context.Background(), "tok", DeployInput{Repo: "app", CloneURL: "https://github.com/ana/app.git"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if res.DeploymentID != "rec-1" || res.Port != 3001 || res.ContainerHandle != "ana-app" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestErrorBodyIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"fetch_error","detail":"repository could not be cloned","failed_stage":"fetch"}`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	_, err := c.Deploy(context.Background(), "tok", DeployInput{Repo: "app", CloneURL: "https://x.test/a.git"})
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity || apiErr.Kind != "fetch_error" || apiErr.FailedStage != "fetch" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if apiErr.Error() != "api request failed (422): fetch_error at fetch: repository could not be cloned" {
		t.Fatalf("unexpected message %q", apiErr.Error())
	}
}

func TestPlainTextErrorFallsBackToDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	_, err := c.Frameworks(context.Background())
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Detail != "bad gateway" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestPathsAndQueries(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.RequestURI())
		switch r.URL.Path {
		case "/dashboard/deployments":
			_, _ = w.Write([]byte(`{"deployments":[{"id":"a","status":"success"}],"total":3}`))
		case "/dashboard/logs/rec-1":
			_, _ = w.Write([]byte(`{"deployment_id":"rec-1","lines":["one","two"]}`))
		default:
			_, _ = w.Write([]byte(`{"id":"rec-1","status":"stopped"}`))
		}
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	ctx := context.Background()
	items, total, err := c.Deployments(ctx, "tok", 5)
	if err != nil || len(items) != 1 || total != 3 {
		t.Fatalf("deployments: %v %v %d", err, items, total)
	}
	lines, err := c.Logs(ctx, "tok", "rec-1", 20)
	if err != nil || len(lines) != 2 {
		t.Fatalf("logs: %v %v", err, lines)
	}
	if _, err := c.Stop(ctx, "tok", "rec-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := c.Delete(ctx, "tok", "rec-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	want := []string{
		"GET /dashboard/deployments?limit=5",
		"GET /dashboard/logs/rec-1?lines=20",
		"POST /dashboard/stop/rec-1",
		"DELETE /dashboard/rec-1",
	}
	for i, w := range want {
		if seen[i] != w {
			t.Fatalf("request %d: expected %q, got %q", i, w, seen[i])
		}
	}
}

func TestNewNormalisesBaseURL(t *testing.T) {
	c, err := New("localhost:4000/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.baseURL != "http://localhost:4000" {
		t.Fatalf("unexpected base url %q", c.baseURL)
	}
}
