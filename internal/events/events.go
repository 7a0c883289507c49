package events

import "context"

const (
	// DeploymentStarted is emitted once a deployment passed validation and
	// its first task is about to be submitted.
	DeploymentStarted = "deployment.started"
	// DeploymentCompleted is emitted after every task of a deployment finished.
	DeploymentCompleted = "deployment.completed"
	// DeploymentFailed is emitted when a deployment aborts.
	DeploymentFailed = "deployment.failed"
	// RollbackCompleted is emitted after a rollback walked its whole list.
	RollbackCompleted = "rollback.completed"
	// InstanceDeleted is emitted after an instance was torn down.
	InstanceDeleted = "instance.deleted"
)

// Event is a significant occurrence in the orchestrator lifecycle.
type Event struct {
	Type    string
	Payload map[string]any
}

// Handler processes one event. Errors are logged and never stop delivery.
type Handler func(context.Context, Event) error

// Subscription is returned by Subscribe; Unsubscribe stops delivery.
type Subscription interface {
	Unsubscribe()
}

// Publisher distributes events synchronously to subscribers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(eventType string, handler Handler) (Subscription, error)
}
