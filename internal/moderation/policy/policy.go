// Package policy loads and caches a Moderator's Guideline for use by the
// evaluation pipeline, grounded on BaseModerator._fetch_guidelines.
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/modsentry/internal/llm"
	"github.com/nextlevelbuilder/modsentry/internal/store"
)

// Cache holds a single Guideline's body and derived topics, loaded once per
// worker lifetime and reused across every message it evaluates.
type Cache struct {
	guidelineID string
	guidelines  store.GuidelineStore
	llmClient   *llm.Client

	mu     sync.Mutex
	loaded bool
	text   string
	topics []string
}

func NewCache(guidelineID string, guidelines store.GuidelineStore, llmClient *llm.Client) *Cache {
	return &Cache{guidelineID: guidelineID, guidelines: guidelines, llmClient: llmClient}
}

// Load fetches (and caches) the Guideline's body and ordered topic list,
// deriving topics from the body the first time a guideline without any is
// loaded (a feature present in the original engine's schema but not
// automated there — this supplements that gap by having the LLM derive and
// persist the topic list once).
func (c *Cache) Load(ctx context.Context) (string, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.text, c.topics, nil
	}

	g, err := c.guidelines.Get(ctx, c.guidelineID)
	if err != nil {
		return "", nil, fmt.Errorf("load guideline: %w", err)
	}

	topics := g.Topics
	if len(topics) == 0 {
		topics, err = c.deriveTopics(ctx, g.Body)
		if err != nil {
			return "", nil, fmt.Errorf("derive topics: %w", err)
		}
		if err := c.guidelines.SetTopics(ctx, g.ID, topics); err != nil {
			return "", nil, fmt.Errorf("persist topics: %w", err)
		}
	}

	c.text = strings.TrimSpace(g.Body)
	c.topics = dedupe(topics)
	c.loaded = true
	return c.text, c.topics, nil
}

func dedupe(topics []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

const topicDerivationPrompt = "Derive an ordered list of short lowercase topic slugs (2-3 words, hyphen " +
	"separated) that summarize the distinct moderation concerns in the following guideline document. " +
	"Respond only with:\n```json\n{\"topics\": [\"...\"]}\n```\n\nGuideline: %s"

func (c *Cache) deriveTopics(ctx context.Context, body string) ([]string, error) {
	reply, err := c.llmClient.Chat(ctx, "You label moderation guideline documents with short topic slugs.", fmt.Sprintf(topicDerivationPrompt, body))
	if err != nil {
		return nil, err
	}
	var out struct {
		Topics []string `json:"topics"`
	}
	if err := llm.ExtractJSON(reply, &out); err != nil {
		return nil, err
	}
	return out.Topics, nil
}
