// Package controller implements the deployment lifecycle controller (C8):
// subscribing to deployment start/stop events on the durable bus and
// spawning or terminating one worker process per deployment. Grounded on
// the original engine's DeploymentListener, with its thread-per-deployment
// model replaced by a process-per-deployment model — each worker runs as a
// dedicated OS process (the same binary, re-invoked with a hidden
// subcommand), isolating one deployment's crash or resource runaway from
// the controller and every other deployment.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/modsentry/internal/config"
	"github.com/nextlevelbuilder/modsentry/internal/eventbus"
	"github.com/nextlevelbuilder/modsentry/internal/metrics"
	"github.com/nextlevelbuilder/modsentry/internal/store"
)

// WorkerSubcommand is the hidden cobra subcommand the controller
// re-invokes itself with to run a single deployment's worker process.
const WorkerSubcommand = "__run-deployment-worker"

type managedProcess struct {
	cmd          *exec.Cmd
	deploymentID string
	exited       chan struct{}
}

// Controller owns the set of live worker processes and reconciles them
// against deployment lifecycle events received from the bus.
type Controller struct {
	cfg         *config.Config
	stores      *store.Stores
	bus         *eventbus.Bus
	consumerID  string
	shutdownGrace time.Duration

	mu        sync.Mutex
	processes map[string]*managedProcess
}

func New(cfg *config.Config, stores *store.Stores, bus *eventbus.Bus, consumerID string) *Controller {
	return &Controller{
		cfg:           cfg,
		stores:        stores,
		bus:           bus,
		consumerID:    consumerID,
		shutdownGrace: time.Duration(cfg.Controller.ShutdownGraceMS) * time.Millisecond,
		processes:     make(map[string]*managedProcess),
	}
}

// Run reconciles already-running deployments on startup, then consumes
// lifecycle events until ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.reconcileRunning(ctx); err != nil {
		return fmt.Errorf("reconcile running deployments: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.stopAll()
			return nil
		default:
		}

		deliveries, err := c.bus.Consume(ctx, c.consumerID)
		if err != nil {
			slog.Error("bus consume failed", "error", err)
			continue
		}

		for _, d := range deliveries {
			c.handleEvent(d.Event)
			if err := c.bus.Ack(ctx, d.ID); err != nil {
				slog.Error("bus ack failed", "error", err, "delivery_id", d.ID)
			}
		}
	}
}

func (c *Controller) reconcileRunning(ctx context.Context) error {
	deployments, err := c.stores.Deployments.ListRunning(ctx)
	if err != nil {
		return err
	}
	for _, d := range deployments {
		c.startDeployment(d.ID)
	}
	return nil
}

func (c *Controller) handleEvent(ev eventbus.DeploymentEvent) {
	switch ev.Type {
	case eventbus.DeploymentEventStart:
		c.startDeployment(ev.DeploymentID)
	case eventbus.DeploymentEventStop:
		c.stopDeployment(ev.DeploymentID)
	default:
		slog.Warn("unknown deployment event type", "type", ev.Type)
	}
}

func (c *Controller) startDeployment(deploymentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, running := c.processes[deploymentID]; running {
		return
	}

	exe, err := os.Executable()
	if err != nil {
		slog.Error("resolve executable path failed", "error", err)
		return
	}

	cmd := exec.Command(exe, WorkerSubcommand, "--deployment-id", deploymentID)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		slog.Error("start worker process failed", "error", err, "deployment_id", deploymentID)
		return
	}

	proc := &managedProcess{cmd: cmd, deploymentID: deploymentID, exited: make(chan struct{})}
	c.processes[deploymentID] = proc
	metrics.DeploymentsRunning.Inc()
	slog.Info("worker process started", "deployment_id", deploymentID, "pid", cmd.Process.Pid)

	go c.reapOnExit(proc)
}

func (c *Controller) reapOnExit(proc *managedProcess) {
	err := proc.cmd.Wait()
	close(proc.exited)

	c.mu.Lock()
	delete(c.processes, proc.deploymentID)
	c.mu.Unlock()
	metrics.DeploymentsRunning.Dec()
	if err != nil {
		slog.Error("worker process exited with error", "deployment_id", proc.deploymentID, "error", err)
	} else {
		slog.Info("worker process exited", "deployment_id", proc.deploymentID)
	}
}

func (c *Controller) stopDeployment(deploymentID string) {
	c.mu.Lock()
	proc, ok := c.processes[deploymentID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.terminate(proc)
}

func (c *Controller) stopAll() {
	c.mu.Lock()
	procs := make([]*managedProcess, 0, len(c.processes))
	for _, p := range c.processes {
		procs = append(procs, p)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *managedProcess) {
			defer wg.Done()
			c.terminate(p)
		}(p)
	}
	wg.Wait()
}

// terminate sends SIGTERM and waits up to shutdownGrace before escalating to
// SIGKILL.
func (c *Controller) terminate(proc *managedProcess) {
	if proc.cmd.Process == nil {
		return
	}

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		slog.Warn("sigterm failed", "deployment_id", proc.deploymentID, "error", err)
	}

	select {
	case <-proc.exited:
		return
	case <-time.After(c.shutdownGrace):
		slog.Warn("worker process did not exit in time, sending sigkill", "deployment_id", proc.deploymentID)
		proc.cmd.Process.Kill()
		<-proc.exited
	}
}
