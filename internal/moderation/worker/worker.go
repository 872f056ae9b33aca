// Package worker implements the per-deployment moderation loop (C7):
// subscribing to a platform's message stream, running each message through
// the task pool and retry-wrapped evaluation pipeline, persisting results,
// and handing proposed actions to the dispatcher. Grounded on
// DiscordModerator.moderate / _handle_context.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/modsentry/internal/config"
	"github.com/nextlevelbuilder/modsentry/internal/embedding"
	"github.com/nextlevelbuilder/modsentry/internal/llm"
	"github.com/nextlevelbuilder/modsentry/internal/metrics"
	"github.com/nextlevelbuilder/modsentry/internal/moderation/dispatch"
	"github.com/nextlevelbuilder/modsentry/internal/moderation/pipeline"
	"github.com/nextlevelbuilder/modsentry/internal/moderation/policy"
	"github.com/nextlevelbuilder/modsentry/internal/moderation/validator"
	platformdiscord "github.com/nextlevelbuilder/modsentry/internal/platform/discord"
	"github.com/nextlevelbuilder/modsentry/internal/retry"
	"github.com/nextlevelbuilder/modsentry/internal/store"
	"github.com/nextlevelbuilder/modsentry/internal/taskpool"
)

// Worker owns the lifecycle of a single Deployment: it runs until its
// context is canceled or its stream closes, processing each inbound message through the
// evaluation pipeline with bounded concurrency.
type Worker struct {
	deployment *store.Deployment
	moderator  *store.Moderator
	stores     *store.Stores
	cfg        *config.Config

	pool       *taskpool.Pool
	pipeline   *pipeline.Pipeline
	dispatcher *dispatch.Dispatcher
	stream     *platformdiscord.Stream
}

// New builds a Worker for a running Discord deployment. Only the discord
// platform has a stream + effector; New returns an error for any other
// platform.
func New(ctx context.Context, cfg *config.Config, stores *store.Stores, deployment *store.Deployment, moderator *store.Moderator) (*Worker, error) {
	if deployment.Platform != store.PlatformDiscord {
		return nil, fmt.Errorf("unsupported deployment platform %q", deployment.Platform)
	}

	token, _ := deployment.Conf["discord_token"].(string)
	if token == "" {
		token = cfg.Discord.Token
	}
	guildID, _ := deployment.Conf["guild_id"].(string)
	var allowedChannels []string
	if raw, ok := deployment.Conf["allowed_channels"].([]any); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok {
				allowedChannels = append(allowedChannels, s)
			}
		}
	}
	if len(allowedChannels) == 0 {
		allowedChannels = []string{"*"}
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	stream := platformdiscord.NewStream(session, guildID, allowedChannels)
	effector := platformdiscord.NewEffector(session, guildID)

	registry := dispatch.NewRegistry()
	for _, actionType := range moderator.AllowedActions {
		registry.Register(store.PlatformDiscord, actionType, effector)
	}

	llmClient := llm.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, time.Duration(cfg.LLM.TimeoutMS)*time.Millisecond)
	policyCache := policy.NewCache(moderator.GuidelineID, stores.Guidelines, llmClient)
	promptValidator := validator.New(llmClient, cfg.Retry.MaxAttempts)

	pl := pipeline.New(pipeline.Config{
		Validator:         promptValidator,
		Policy:            policyCache,
		LLMClient:         llmClient,
		Vectors:           stores.Vectors,
		Encoder:           embedding.Get(cfg.Embedding.Dimensions),
		DistanceThreshold: cfg.Similarity.Threshold,
		DeploymentID:      deployment.ID,
		AllowedActions:    moderator.AllowedActions,
	})

	return &Worker{
		deployment: deployment,
		moderator:  moderator,
		stores:     stores,
		cfg:        cfg,
		pool:       taskpool.New(cfg.TaskPool.MaxConcurrent),
		pipeline:   pl,
		dispatcher: dispatch.NewDispatcher(registry, stores.ActionLogs),
		stream:     stream,
	}, nil
}

// Run starts the platform stream and processes messages until ctx is
// canceled or the stream closes.
func (w *Worker) Run(ctx context.Context) error {
	w.pool.Start()
	defer w.pool.Stop()

	if err := w.stream.Start(ctx); err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	defer w.stream.Stop()

	for {
		select {
		case <-ctx.Done():
			w.pool.Join()
			return nil
		case msg, ok := <-w.stream.Messages():
			if !ok {
				w.pool.Join()
				return nil
			}
			w.pool.Submit(ctx, func(taskCtx context.Context) {
				w.handleMessage(taskCtx, msg)
			})
		}
	}
}

// handleMessage runs the pipeline and persists its outcome. A Message row is
// written only once the pipeline returns a usable (non-nil) Result, and is
// written atomically with its evaluations: a message screened as malicious
// (an empty, non-error Result) or an evaluation that never succeeds leaves
// neither a Message nor a MessageEvaluation row behind.
func (w *Worker) handleMessage(ctx context.Context, msg platformdiscord.IncomingMessage) {
	start := time.Now()

	var result *pipeline.Result
	err := retry.Do(ctx, w.cfg.Retry.MaxAttempts, time.Duration(w.cfg.Retry.BaseDelayMS)*time.Millisecond, func(ctx context.Context) error {
		r, evalErr := w.pipeline.Evaluate(ctx, msg.Content)
		if evalErr != nil {
			return evalErr
		}
		if r == nil {
			return retry.ErrEmpty
		}
		result = r
		return nil
	})
	metrics.PipelineLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, retry.ErrEmpty) {
			slog.Warn("evaluation stayed empty after retries, dropping message", "deployment_id", w.deployment.ID)
		} else {
			slog.Error("evaluation failed after retries", "error", err, "deployment_id", w.deployment.ID)
			metrics.PipelineFailures.Inc()
		}
		return
	}

	record := &store.Message{
		DeploymentID: w.deployment.ID,
		AuthorID:     msg.AuthorID,
		ChannelID:    msg.ChannelID,
		Content:      msg.Content,
	}
	evals := make([]*store.MessageEvaluation, 0, len(result.TopicScores))
	for topic, score := range result.TopicScores {
		evals = append(evals, &store.MessageEvaluation{
			DeploymentID: w.deployment.ID,
			Verdict:      store.VerdictNotMalicious,
			Topic:        topic,
			Confidence:   score,
			Embedding:    result.Embedding,
		})
	}
	if err := w.stores.Messages.CreateWithEvaluations(ctx, record, evals); err != nil {
		slog.Error("persist message and evaluations failed", "error", err, "deployment_id", w.deployment.ID)
		return
	}

	if result.Action != nil {
		if err := w.dispatcher.Handle(ctx, w.deployment.ID, record.ID, store.PlatformDiscord, msg.AuthorID, msg.ChannelID, *result.Action); err != nil {
			slog.Error("dispatch action failed", "error", err, "deployment_id", w.deployment.ID)
			metrics.DispatchFailures.Inc()
		}
	}
}
