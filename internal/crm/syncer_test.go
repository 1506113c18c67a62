package crm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/intake/internal/scoring"
)

type fakeHubSpot struct {
	mu       sync.Mutex
	contacts map[string]string
	deals    map[string]string
	patches  map[string]map[string]string
	tokens   []string
}

func newFakeHubSpot() *fakeHubSpot {
	return &fakeHubSpot{
		contacts: map[string]string{"ada@example.com": "contact-1"},
		deals:    map[string]string{"contact-1": "deal-9"},
		patches:  map[string]map[string]string{},
	}
}

func (f *fakeHubSpot) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /crm/v3/objects/contacts/search", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var request searchRequest
		_ = json.NewDecoder(r.Body).Decode(&request)
		writeSearch(w, f.contacts[request.FilterGroups[0].Filters[0].Value])
	})
	mux.HandleFunc("POST /crm/v3/objects/deals/search", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var request searchRequest
		_ = json.NewDecoder(r.Body).Decode(&request)
		if len(request.Sorts) != 1 || request.Sorts[0].Direction != "DESCENDING" {
			http.Error(w, "missing sort", http.StatusBadRequest)
			return
		}
		writeSearch(w, f.deals[request.FilterGroups[0].Filters[0].Value])
	})
	mux.HandleFunc("PATCH /crm/v3/objects/deals/{dealID}", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var request propertiesRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		dealID := r.PathValue("dealID")
		if f.patches[dealID] == nil {
			f.patches[dealID] = map[string]string{}
		}
		for key, value := range request.Properties {
			f.patches[dealID][key] = value
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"` + dealID + `"}`))
	})
	return mux
}

func (f *fakeHubSpot) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, r.Header.Get("Authorization"))
}

func writeSearch(w http.ResponseWriter, id string) {
	w.Header().Set("Content-Type", "application/json")
	if id == "" {
		_, _ = w.Write([]byte(`{"total":0,"results":[]}`))
		return
	}
	_, _ = w.Write([]byte(`{"total":1,"results":[{"id":"` + id + `"}]}`))
}

func newTestSyncer(t *testing.T, fake *fakeHubSpot, stage string) *ScoreSyncer {
	t.Helper()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	client, err := NewHubSpotClient(HubSpotConfig{BaseURL: server.URL, AccessToken: "secret-token"})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	syncer, err := NewScoreSyncer(ScoreSyncerConfig{Client: client, Pipeline: "default", Stage: stage})
	if err != nil {
		t.Fatalf("failed to construct syncer: %v", err)
	}
	return syncer
}

func TestSyncApplicationScoreUpdatesNewestDeal(t *testing.T) {
	fake := newFakeHubSpot()
	syncer := newTestSyncer(t, fake, "triaged")

	err := syncer.SyncApplicationScore(context.Background(), scoring.ScoreUpdate{
		ApplicationID:    "app-1",
		ParticipantEmail: "ada@example.com",
		Summary:          scoring.Summary{RedCount: 1, YellowCount: 2, GreenCount: 3, TotalScore: 4},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	patched := fake.patches["deal-9"]
	expected := map[string]string{
		PropertyRedCount:    "1",
		PropertyYellowCount: "2",
		PropertyGreenCount:  "3",
		PropertyScore:       "4",
		"dealstage":         "triaged",
		"pipeline":          "default",
	}
	for key, value := range expected {
		if patched[key] != value {
			t.Fatalf("expected %s=%s, got %q", key, value, patched[key])
		}
	}
	for _, token := range fake.tokens {
		if token != "Bearer secret-token" {
			t.Fatalf("unexpected authorization header %q", token)
		}
	}
}

func TestSyncApplicationScoreUnknownContact(t *testing.T) {
	fake := newFakeHubSpot()
	syncer := newTestSyncer(t, fake, "")

	err := syncer.SyncApplicationScore(context.Background(), scoring.ScoreUpdate{ParticipantEmail: "nobody@example.com"})
	if !errors.Is(err, ErrContactNotFound) {
		t.Fatalf("expected ErrContactNotFound, got %v", err)
	}
	if len(fake.patches) != 0 {
		t.Fatalf("expected no deal updates")
	}
}

func TestSyncApplicationScoreContactWithoutDeal(t *testing.T) {
	fake := newFakeHubSpot()
	fake.contacts["grace@example.com"] = "contact-2"
	syncer := newTestSyncer(t, fake, "")

	err := syncer.SyncApplicationScore(context.Background(), scoring.ScoreUpdate{ParticipantEmail: "grace@example.com"})
	if !errors.Is(err, ErrDealNotFound) {
		t.Fatalf("expected ErrDealNotFound, got %v", err)
	}
}

func TestNewHubSpotClientRequiresToken(t *testing.T) {
	if _, err := NewHubSpotClient(HubSpotConfig{}); err == nil {
		t.Fatalf("expected error without access token")
	}
}
