// Package schedule owns the per-user job table and everything needed to keep
// it converged: desired-set computation from time periods and feature flags,
// idempotent diff-based rebuilds, due-job firing, the weighted reminder
// selector, and recurrence math for recurring tasks.
//
// The scheduler never delivers messages itself; firing hands a payload to the
// Deliverer and moves the job to the next day's window. Wake timers are
// arranged through the WakeTimer adapter so reminders can rouse a sleeping
// host.
package schedule
