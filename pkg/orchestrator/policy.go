package orchestrator

import (
	"context"
	"fmt"
	"time"

	"agentflow/pkg/agents"
	"agentflow/pkg/config"
	"agentflow/pkg/metrics"
	"agentflow/pkg/proto"
)

// recoveryActions maps agent failure kinds to their recovery action.
//
//nolint:gochecknoglobals // static recovery table
var recoveryActions = map[agents.FailureKind]string{
	agents.FailureTest:    "revert to last known good snapshot and retry",
	agents.FailureBuild:   "check dependencies and retry",
	agents.FailureTimeout: "increase timeout and retry",
	agents.FailureAgent:   "reset agent state and retry",
}

// dispatchTask applies the project's orchestration policy to a task:
// blocking queues it for approval, partial runs it quarantined, and
// autonomous runs it live.
func (o *Orchestrator) dispatchTask(ctx context.Context, p *Project, task *agents.Task) proto.Result {
	metrics.TasksDispatched.WithLabelValues(task.AgentType, p.Policy).Inc()

	switch p.Policy {
	case config.PolicyBlocking:
		req := newApprovalRequest(p.Name, task, "blocking policy requires approval", true)
		o.mu.Lock()
		o.approvals = append(o.approvals, req)
		o.mu.Unlock()

		p.mu.Lock()
		p.PendingApprovals = append(p.PendingApprovals, req.ID)
		err := p.persistLocked()
		p.mu.Unlock()
		if err != nil {
			return proto.Fail(err.Error())
		}
		return proto.OK(fmt.Sprintf("Task queued for approval: %s", task.ID))

	case config.PolicyPartial:
		// Dry-run: outputs stay quarantined in the result's artifact
		// map and are treated as advisory.
		return o.executeTask(ctx, p, task, true)

	default: // autonomous
		return o.executeTask(ctx, p, task, false)
	}
}

// runTask executes a released or reconciler-driven task live.
func (o *Orchestrator) runTask(ctx context.Context, p *Project, task *agents.Task) {
	o.executeTask(ctx, p, task, false)
}

// executeTask runs the task on its agent and applies failure recovery.
// The project lock is never held across the agent call.
func (o *Orchestrator) executeTask(ctx context.Context, p *Project, task *agents.Task, dryRun bool) proto.Result {
	p.mu.Lock()
	task.Status = agents.TaskRunning
	p.mu.Unlock()

	start := time.Now()
	result, err := o.registry.Execute(ctx, task, dryRun)
	metrics.TaskDuration.WithLabelValues(task.AgentType).Observe(time.Since(start).Seconds())

	if err != nil {
		// Missing agent is not recoverable by retry.
		p.mu.Lock()
		task.Status = agents.TaskFailed
		persistErr := p.persistLocked()
		p.mu.Unlock()
		if persistErr != nil {
			o.logger.Error("persist after dispatch failure: %v", persistErr)
		}
		return proto.Fail(err.Error())
	}

	if !result.OK {
		return o.recoverTask(p, task, result.FailureKind, result.Error)
	}

	p.mu.Lock()
	task.Status = agents.TaskCompleted
	persistErr := p.persistLocked()
	p.mu.Unlock()
	if persistErr != nil {
		return proto.Fail(persistErr.Error())
	}

	out := proto.OK(result.Output)
	if result.Quarantined {
		out = out.Set("quarantined", true).
			Set("artifacts", result.Artifacts).
			WithNextStep("review the quarantined output; results are advisory")
	}
	return out
}

// recoverTask applies the failure-recovery table: bounded retries keyed
// by error class, then escalation to a human via the approval queue.
func (o *Orchestrator) recoverTask(p *Project, task *agents.Task, kind agents.FailureKind, errMsg string) proto.Result {
	if kind == "" {
		kind = agents.FailureAgent
	}

	p.mu.Lock()
	task.RetryCount++
	retries := task.RetryCount
	p.mu.Unlock()

	if retries < MaxTaskRetries {
		action := recoveryActions[kind]
		o.logger.Warn("task %s failed (%s), retry %d/%d: %s",
			task.ID, kind, retries, MaxTaskRetries, action)

		p.mu.Lock()
		task.Status = agents.TaskPending
		persistErr := p.persistLocked()
		p.mu.Unlock()
		if persistErr != nil {
			return proto.Fail(persistErr.Error())
		}
		return proto.Fail(errMsg).
			WithHint(action).
			Set("recovery_action", action).
			Set("retry_count", retries)
	}

	// Retries exhausted: escalate to a human.
	p.mu.Lock()
	task.Status = agents.TaskFailed
	p.mu.Unlock()

	req := newApprovalRequest(p.Name, task,
		fmt.Sprintf("human_intervention: task failed after %d retries (%s): %s", retries, kind, errMsg),
		false)
	o.mu.Lock()
	o.approvals = append(o.approvals, req)
	o.mu.Unlock()

	p.mu.Lock()
	p.PendingApprovals = append(p.PendingApprovals, req.ID)
	persistErr := p.persistLocked()
	p.mu.Unlock()
	if persistErr != nil {
		return proto.Fail(persistErr.Error())
	}

	o.logger.Error("task %s escalated to human review: %s", task.ID, req.ID)
	return proto.Fail(errMsg).
		WithHint("escalated to human review").
		Set("escalation_id", req.ID)
}
