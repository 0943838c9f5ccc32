// Package temporal implements the gateway's engine.Engine interface backed by
// Temporal (https://temporal.io), used as the durable Task Runner backend: one
// workflow execution per task, one activity invoking the sandbox runtime.
//
// Temporal provides durable execution: if the process hosting a running task
// crashes, Temporal replays the workflow from its event history instead of
// losing the task. This matters for the gateway because a task's workflow
// spends most of its life suspended waiting on an approval decision (see
// internal/approvalcoord), sometimes for up to dispatcher.ApprovalTimeout.
//
// Workflow code (the handler passed to RegisterWorkflow) must be deterministic:
// all non-deterministic work (the actual sandbox execution, tool invocation)
// happens inside an activity, never directly in the workflow goroutine.
package temporal
