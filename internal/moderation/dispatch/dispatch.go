// Package dispatch implements action logging, approval gating, and action
// dispatch (C6), grounded on BaseModerator._log_action / _update_action_status
// and DiscordModerator._handle_context. The original engine looked up an
// action handler class by runtime reflection over a module's symbol table
// (engine.discord.actions.__dict__); this is replaced with an explicit
// registry keyed by (platform, action_type), the redesign the
// specification calls for.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/modsentry/internal/moderation/pipeline"
	"github.com/nextlevelbuilder/modsentry/internal/store"
)

// Effector performs a single concrete moderation action against a live
// platform (e.g. banning a Discord guild member).
type Effector interface {
	Dispatch(ctx context.Context, action pipeline.Action, targetUserID, channelID string) error
}

// Registry maps (platform, action type) to a registered Effector.
type Registry struct {
	mu        sync.RWMutex
	effectors map[string]Effector
}

func NewRegistry() *Registry {
	return &Registry{effectors: make(map[string]Effector)}
}

func key(platform store.MessagePlatformType, actionType string) string {
	return string(platform) + ":" + actionType
}

// Register binds an Effector to a (platform, action type) pair.
func (r *Registry) Register(platform store.MessagePlatformType, actionType string, eff Effector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effectors[key(platform, actionType)] = eff
}

func (r *Registry) lookup(platform store.MessagePlatformType, actionType string) (Effector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.effectors[key(platform, actionType)]
	return e, ok
}

// ErrUnknownAction is returned when no Effector is registered for a
// (platform, action type) pair.
var ErrUnknownAction = fmt.Errorf("unknown action type")

// Dispatcher logs a proposed action and, if it does not require approval,
// immediately dispatches it through the registered Effector.
type Dispatcher struct {
	registry   *Registry
	actionLogs store.ActionLogStore
}

func NewDispatcher(registry *Registry, actionLogs store.ActionLogStore) *Dispatcher {
	return &Dispatcher{registry: registry, actionLogs: actionLogs}
}

// Handle logs the action and, when it does not require approval, dispatches
// it through the registered Effector, updating the ActionLog's status via a
// compare-and-set transition that guards against two callers dispatching
// the same log entry concurrently.
func (d *Dispatcher) Handle(ctx context.Context, deploymentID, messageID string, platform store.MessagePlatformType, targetUserID, channelID string, action pipeline.Action) error {
	initial := store.ActionPending
	if action.RequiresApproval {
		initial = store.ActionAwaitingApproval
	}

	log := &store.ActionLog{
		DeploymentID: deploymentID,
		MessageID:    messageID,
		ActionType:   action.Type,
		Platform:     platform,
		TargetUserID: targetUserID,
		Status:       initial,
	}
	if err := d.actionLogs.Create(ctx, log); err != nil {
		return fmt.Errorf("create action log: %w", err)
	}

	if action.RequiresApproval {
		return nil
	}

	return d.dispatch(ctx, log.ID, store.ActionPending, platform, targetUserID, channelID, action)
}

// dispatch transitions the ActionLog from `from` to success/failed around
// running the registered Effector. The CAS guards against a second caller
// (a concurrent approval, a redelivered event) dispatching the same log
// entry twice: if the transition fails, some other caller already claimed
// it and this call is a silent no-op.
func (d *Dispatcher) dispatch(ctx context.Context, actionLogID string, from store.ActionStatus, platform store.MessagePlatformType, targetUserID, channelID string, action pipeline.Action) error {
	ok, err := d.actionLogs.CompareAndSetStatus(ctx, actionLogID, from, store.ActionPending)
	if err != nil {
		return fmt.Errorf("cas guard: %w", err)
	}
	if !ok {
		return nil
	}

	eff, found := d.registry.lookup(platform, action.Type)
	if !found {
		d.actionLogs.CompareAndSetStatus(ctx, actionLogID, store.ActionPending, store.ActionFailed)
		return fmt.Errorf("%w: %s/%s", ErrUnknownAction, platform, action.Type)
	}

	if err := eff.Dispatch(ctx, action, targetUserID, channelID); err != nil {
		d.actionLogs.CompareAndSetStatus(ctx, actionLogID, store.ActionPending, store.ActionFailed)
		return fmt.Errorf("dispatch action: %w", err)
	}

	if _, err := d.actionLogs.CompareAndSetStatus(ctx, actionLogID, store.ActionPending, store.ActionSuccess); err != nil {
		return fmt.Errorf("mark success: %w", err)
	}
	return nil
}

// Approve transitions an awaiting-approval ActionLog to approved and
// dispatches it.
func (d *Dispatcher) Approve(ctx context.Context, actionLogID string, platform store.MessagePlatformType, targetUserID, channelID string, action pipeline.Action) error {
	ok, err := d.actionLogs.CompareAndSetStatus(ctx, actionLogID, store.ActionAwaitingApproval, store.ActionApproved)
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	if !ok {
		return nil
	}
	return d.dispatch(ctx, actionLogID, store.ActionApproved, platform, targetUserID, channelID, action)
}

// Decline transitions an awaiting-approval ActionLog to declined, without
// ever invoking an Effector.
func (d *Dispatcher) Decline(ctx context.Context, actionLogID string) error {
	_, err := d.actionLogs.CompareAndSetStatus(ctx, actionLogID, store.ActionAwaitingApproval, store.ActionDeclined)
	if err != nil {
		return fmt.Errorf("decline: %w", err)
	}
	return nil
}
