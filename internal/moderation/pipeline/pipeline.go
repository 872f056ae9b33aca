// Package pipeline implements the multi-stage message evaluation algorithm
// (C5): prompt-injection screening, similarity-cache-aware topic scoring,
// final verdict, and action construction. Grounded on the original engine's
// BaseModerator._evaluate / _fetch_similar / _handle_similars /
// _fetch_topic_scores, with the topic-averaging arithmetic corrected — the
// original accumulates `score += score` (doubling, not summing the new
// neighbor's score), which this implementation does not reproduce.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nextlevelbuilder/modsentry/internal/embedding"
	"github.com/nextlevelbuilder/modsentry/internal/llm"
	"github.com/nextlevelbuilder/modsentry/internal/moderation/policy"
	"github.com/nextlevelbuilder/modsentry/internal/moderation/validator"
	"github.com/nextlevelbuilder/modsentry/internal/store"
)

// Action is the proposed action.type + params a final-verdict call may
// return, pending approval gating.
type Action struct {
	Type             string         `json:"type"`
	Params           map[string]any `json:"params"`
	RequiresApproval bool           `json:"requires_approval"`
}

// Result is the outcome of evaluating one message: per-topic scores, the
// overall verdict score, and an optional proposed Action.
type Result struct {
	TopicScores     map[string]float64
	EvaluationScore float64
	Action          *Action
	Embedding       []float32
}

// Pipeline evaluates a single message's content against a Moderator's
// guidelines.
type Pipeline struct {
	validator  *validator.Validator
	policy     *policy.Cache
	llmClient  *llm.Client
	vectors    store.VectorStore
	encoder    *embedding.Encoder
	distanceThreshold float64
	deploymentID string
	allowedActions []string
}

// Config bundles the pipeline's collaborators for New.
type Config struct {
	Validator         *validator.Validator
	Policy            *policy.Cache
	LLMClient         *llm.Client
	Vectors           store.VectorStore
	Encoder           *embedding.Encoder
	DistanceThreshold float64
	DeploymentID      string
	AllowedActions    []string
}

func New(cfg Config) *Pipeline {
	return &Pipeline{
		validator:         cfg.Validator,
		policy:            cfg.Policy,
		llmClient:         cfg.LLMClient,
		vectors:           cfg.Vectors,
		encoder:           cfg.Encoder,
		distanceThreshold: cfg.DistanceThreshold,
		deploymentID:      cfg.DeploymentID,
		allowedActions:    cfg.AllowedActions,
	}
}

// Evaluate runs the full pipeline against a single message's content. It
// returns (nil, nil) when the prompt validator flags the content as
// malicious — no further scoring or action construction occurs, matching
// the original engine's early return.
func (p *Pipeline) Evaluate(ctx context.Context, content string) (*Result, error) {
	verdict := p.validator.Classify(ctx, content)
	if verdict == store.VerdictMalicious {
		slog.Warn("malicious content flagged by validator", "deployment_id", p.deploymentID)
		return nil, nil
	}

	guidelines, topics, err := p.policy.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	vec := p.encoder.Embed(content)

	topicScores, err := p.scoreTopics(ctx, content, guidelines, topics, vec)
	if err != nil {
		return nil, fmt.Errorf("score topics: %w", err)
	}

	evalScore, action, err := p.finalVerdict(ctx, guidelines, topics, topicScores, content)
	if err != nil {
		return nil, fmt.Errorf("final verdict: %w", err)
	}

	return &Result{
		TopicScores:     topicScores,
		EvaluationScore: evalScore,
		Action:          action,
		Embedding:       vec,
	}, nil
}

// scoreTopics looks up similar prior evaluations; topics with neighbors are
// averaged from those neighbors, and any remaining topics are scored in a
// single fresh LLM call.
func (p *Pipeline) scoreTopics(ctx context.Context, content, guidelines string, topics []string, vec []float32) (map[string]float64, error) {
	neighbors, err := p.vectors.NearestEvaluations(ctx, p.deploymentID, vec, 1000)
	if err != nil {
		return nil, fmt.Errorf("nearest evaluations: %w", err)
	}

	topicSet := make(map[string]bool, len(topics))
	for _, t := range topics {
		topicSet[t] = true
	}

	type accum struct {
		sum   float64
		count int
	}
	accums := make(map[string]*accum)
	var order []string

	for _, n := range neighbors {
		if n.Distance >= p.distanceThreshold {
			continue
		}
		topic := n.Evaluation.Topic
		if !topicSet[topic] {
			continue
		}
		a, ok := accums[topic]
		if !ok {
			a = &accum{}
			accums[topic] = a
			order = append(order, topic)
		}
		a.sum += n.Evaluation.Confidence
		a.count++
	}

	scores := make(map[string]float64, len(topics))
	for _, topic := range order {
		a := accums[topic]
		scores[topic] = clamp01(roundTo2(a.sum / float64(a.count)))
	}

	var remaining []string
	for _, t := range topics {
		if _, ok := scores[t]; !ok {
			remaining = append(remaining, t)
		}
	}

	if len(remaining) > 0 {
		fresh, err := p.fetchTopicScores(ctx, content, guidelines, remaining)
		if err != nil {
			return nil, err
		}
		for k, v := range fresh {
			scores[k] = clamp01(v)
		}
	}

	return scores, nil
}

const scoreSystemPrompt = "You score how strongly a chat message relates to each given moderation topic, " +
	"from 0 (unrelated) to 1 (squarely matches). Respond only with:\n```json\n{\"<topic>\": <score>, ...}\n```"

func (p *Pipeline) fetchTopicScores(ctx context.Context, content, guidelines string, topics []string) (map[string]float64, error) {
	prompt := fmt.Sprintf("Guidelines:\n%s\n\nTopics: %v\n\nMessage: %s", guidelines, topics, content)
	reply, err := p.llmClient.Chat(ctx, scoreSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("fetch topic scores: %w", err)
	}
	var scores map[string]float64
	if err := llm.ExtractJSON(reply, &scores); err != nil {
		return nil, err
	}
	return scores, nil
}

const finalSystemPrompt = "You are the final-stage moderation judge. Given per-topic scores for a message, " +
	"decide an overall evaluation_score (0..1) and, if the guidelines and scores call for it, an action. " +
	"Respond only with:\n```json\n{\"evaluation_score\": <float>, \"action\": null | {\"type\": \"...\", \"params\": {...}, \"requires_approval\": true|false}}\n```"

func (p *Pipeline) finalVerdict(ctx context.Context, guidelines string, topics []string, topicScores map[string]float64, content string) (float64, *Action, error) {
	keys := make([]string, 0, len(topicScores))
	for k := range topicScores {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	prompt := fmt.Sprintf(
		"Guidelines:\n%s\n\nTopics: %v\nTopic scores: %v\nAllowed actions: %v\n\nMessage: %s",
		guidelines, topics, topicScores, p.allowedActions, content,
	)

	reply, err := p.llmClient.Chat(ctx, finalSystemPrompt, prompt)
	if err != nil {
		return 0, nil, fmt.Errorf("final verdict call: %w", err)
	}

	var out struct {
		EvaluationScore float64  `json:"evaluation_score"`
		Action          *Action  `json:"action"`
	}
	if err := llm.ExtractJSON(reply, &out); err != nil {
		return 0, nil, err
	}

	return clamp01(out.EvaluationScore), out.Action, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func roundTo2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
