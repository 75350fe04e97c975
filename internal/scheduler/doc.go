// Package scheduler arms in-process timers backed by durable task rows.
//
// Lifecycle per task: Pending -> Armed -> Fired -> (Removed | Rescheduled).
// Tasks are persisted before their timer is armed, so a crash between
// persist and fire is recovered by Start() re-arming everything in the
// store. While the process is up, a periodic sweep fires any task whose
// time passed without its timer triggering (suspend, clock skew, missed
// wakeup) — the liveness backstop that restart recovery cannot provide.
//
// A store write failure does not abort scheduling: the task degrades to
// in-memory-only (a logged durability loss) rather than losing liveness.
package scheduler
