package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicDirectoryAgent(agentID string) string {
	return fmt.Sprintf("directory.agent.%s", agentID)
}

func TopicFleetAgent(agentID string) string {
	return fmt.Sprintf("fleet.agent.%s", agentID)
}

func TopicBatchEvents(batchID string) string {
	return fmt.Sprintf("batch.%s.events", batchID)
}

const (
	TopicDirectoryAll = "directory.agent.*"
	TopicFleetAll     = "fleet.agent.*"
	TopicBatchAll     = "batch.*.events"

	TopicBatchCreate     = "batch.control.create"
	TopicBatchActivate   = "batch.control.activate"
	TopicBatchDeactivate = "batch.control.deactivate"
	TopicBatchDelete     = "batch.control.delete"
	TopicBatchTrigger    = "batch.control.trigger"
)
