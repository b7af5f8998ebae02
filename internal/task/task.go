// Package task holds the value passed from firing scheduler jobs to the actuator.
package task

// AgentTask is an ephemeral directive for the agent. It is never persisted:
// if the process dies before the actuator consumes it, it is gone.
type AgentTask struct {
	TaskID       int64
	TargetUserID int64
	Content      string
}
