package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/modsentry/internal/llm"
	"github.com/nextlevelbuilder/modsentry/internal/store"
)

type fakeGuidelineStore struct {
	mu        sync.Mutex
	guideline *store.Guideline
	topicSets []string
}

func (f *fakeGuidelineStore) Get(ctx context.Context, id string) (*store.Guideline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.guideline, nil
}

func (f *fakeGuidelineStore) Create(ctx context.Context, g *store.Guideline) error {
	return nil
}

func (f *fakeGuidelineStore) SetTopics(ctx context.Context, guidelineID string, topics []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topicSets = topics
	if f.guideline != nil && f.guideline.ID == guidelineID {
		f.guideline.Topics = topics
	}
	return nil
}

func newTopicServer(t *testing.T, topics []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := json.Marshal(map[string][]string{"topics": topics})
		body := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{
					"content": fmt.Sprintf("```json\n%s\n```", payload),
				}},
			},
		}
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLoad_PreservesExistingTopicsWithoutCallingLLM(t *testing.T) {
	gs := &fakeGuidelineStore{guideline: &store.Guideline{
		ID: "g1", OwnerUserID: "user-1", Body: "no spam\nno hate speech", Topics: []string{"spam", "hate-speech"},
	}}
	// No LLM server: Load must not attempt to derive topics.
	c := NewCache("g1", gs, llm.New("http://127.0.0.1:1", "unused", "gpt-test", time.Second))

	text, topics, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "no spam\nno hate speech" {
		t.Errorf("text = %q", text)
	}
	if len(topics) != 2 || topics[0] != "spam" || topics[1] != "hate-speech" {
		t.Errorf("topics = %v, want [spam hate-speech]", topics)
	}
}

func TestLoad_DerivesAndPersistsMissingTopics(t *testing.T) {
	srv := newTopicServer(t, []string{"harassment", "doxxing"})
	gs := &fakeGuidelineStore{guideline: &store.Guideline{
		ID: "g1", OwnerUserID: "user-1", Body: "no bullying, no sharing private info",
	}}
	c := NewCache("g1", gs, llm.New(srv.URL, "unused", "gpt-test", 5*time.Second))

	_, topics, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(topics) != 2 || topics[0] != "harassment" || topics[1] != "doxxing" {
		t.Errorf("topics = %v, want [harassment doxxing]", topics)
	}
	if len(gs.topicSets) != 2 {
		t.Errorf("expected SetTopics to persist derived topics, got %v", gs.topicSets)
	}
}

func TestLoad_DeduplicatesRepeatedTopics(t *testing.T) {
	gs := &fakeGuidelineStore{guideline: &store.Guideline{
		ID: "g1", OwnerUserID: "user-1", Body: "no spam links, no spam bots", Topics: []string{"spam", "spam"},
	}}
	c := NewCache("g1", gs, llm.New("http://127.0.0.1:1", "unused", "gpt-test", time.Second))

	_, topics, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(topics) != 1 || topics[0] != "spam" {
		t.Errorf("topics = %v, want deduplicated [spam]", topics)
	}
}

func TestLoad_CachesAfterFirstCall(t *testing.T) {
	calls := 0
	gs := &fakeGuidelineStore{guideline: &store.Guideline{
		ID: "g1", OwnerUserID: "user-1", Body: "no spam", Topics: []string{"spam"},
	}}
	wrapped := &countingGuidelineStore{fakeGuidelineStore: gs, calls: &calls}
	c := NewCache("g1", wrapped, llm.New("http://127.0.0.1:1", "unused", "gpt-test", time.Second))

	if _, _, err := c.Load(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := c.Load(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("Get called %d times, want 1 (cached after first load)", calls)
	}
}

type countingGuidelineStore struct {
	*fakeGuidelineStore
	calls *int
}

func (c *countingGuidelineStore) Get(ctx context.Context, id string) (*store.Guideline, error) {
	*c.calls++
	return c.fakeGuidelineStore.Get(ctx, id)
}
