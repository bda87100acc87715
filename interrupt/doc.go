// Package interrupt coordinates human-in-the-loop pauses.
//
// A Coordinator keeps at most one unresolved PendingInterrupt per task. It is
// fed by Observe with interrupt_request, interrupt_resolved and terminal
// events, both live and when a task's log is replayed after a restart.
// Resolve validates the human decision against the interrupt's
// ResolutionConfig, appends interrupt_resolved and hands the continuation to
// a Resumer. No goroutine waits for the human: the executor has already
// released the task when the interrupt is announced.
package interrupt
