package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sealedledger/assure/internal/auditsvc"
	"github.com/sealedledger/assure/internal/csvsink"
	"github.com/sealedledger/assure/internal/eventschema"
	"github.com/sealedledger/assure/internal/sink"
)

// newTestHandler wires a real csvsink (security disabled, so no keystore
// plumbing is needed) behind a real auditsvc.Service, matching how
// cmd/assure-server assembles the same pieces.
func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	dir := t.TempDir()
	s, err := csvsink.New(csvsink.Options{
		LogDirectory: dir,
		Security:     csvsink.SecurityConfig{Enabled: false},
		Schemas:      map[string]eventschema.Schema{"access": eventschema.AccessSchema()},
	})
	if err != nil {
		t.Fatalf("csvsink.New: %v", err)
	}

	svc := auditsvc.New(auditsvc.Options{
		Topics: map[string]auditsvc.TopicConfig{
			"access": {Sinks: map[string]sink.Sink{"csv": s}, QuerySink: "csv"},
		},
	})
	if err := svc.Startup(context.Background()); err != nil {
		t.Fatalf("startup: %v", err)
	}
	t.Cleanup(func() { svc.Shutdown(context.Background()) })

	return &Handler{Service: svc, DataDir: dir}
}

func TestHealthEndpointReportsOK(t *testing.T) {
	srv := httptest.NewServer(NewMux(newTestHandler(t)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestPublishThenReadRoundTrip(t *testing.T) {
	srv := httptest.NewServer(NewMux(newTestHandler(t)))
	defer srv.Close()

	body := `{"transactionId":"A10000","timestamp":"123456","userId":"u1"}`
	resp, err := http.Post(srv.URL+"/events/access", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /events/access: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var published struct {
		Result struct {
			Primary struct {
				ID string `json:"ID"`
			} `json:"Primary"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&published); err != nil {
		t.Fatalf("decode publish response: %v", err)
	}
	id := published.Result.Primary.ID
	if id == "" {
		t.Fatalf("expected a non-empty assigned id")
	}

	readResp, err := http.Get(srv.URL + "/events/access/" + id)
	if err != nil {
		t.Fatalf("GET /events/access/%s: %v", id, err)
	}
	defer readResp.Body.Close()
	if readResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on read, got %d", readResp.StatusCode)
	}
}

func TestPublishRejectsUnknownTopic(t *testing.T) {
	srv := httptest.NewServer(NewMux(newTestHandler(t)))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/events/nope", "application/json", strings.NewReader(`{"transactionId":"t","timestamp":"1"}`))
	if err != nil {
		t.Fatalf("POST /events/nope: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("expected a non-200 status for an unregistered topic")
	}
}
