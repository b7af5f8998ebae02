// Package scheduler owns the live set of cron jobs behind persisted reminder tasks.
//
// The Manager is responsible for:
//   - mirroring enabled rows of the task store into cron entries
//   - firing: pushing an AgentTask to the trigger queue and recording the run
//   - retiring Once tasks after their first firing
//   - the daily regeneration of per-user ambient (system) reminders
package scheduler
