// Package events defines the event subjects and payload helpers for the
// Automaker event stream.
package events

// Event subjects for feature lifecycle changes.
const (
	FeatureCreated      = "feature.created"
	FeatureUpdated      = "feature.updated"
	FeatureStateChanged = "feature.state_changed"
	FeatureDeleted      = "feature.deleted"
)

// Event subjects for agent session activity. Delivery is at-least-once and
// ordered per feature; there is no cross-feature ordering guarantee.
const (
	FeatureStarted   = "feature.started"
	FeatureProgress  = "feature.progress"
	FeatureToolUse   = "feature.tool_use"
	FeatureCompleted = "feature.completed"
	FeatureError     = "feature.error"
	FeatureStopped   = "feature.stopped"
)

// Event subjects for workspace activity.
const (
	FeatureCommitted   = "feature.committed"
	WorkspaceAllocated = "workspace.allocated"
	WorkspaceReclaimed = "workspace.reclaimed"
)

// AllFeatureEvents is the wildcard subject matching every feature.* event.
const AllFeatureEvents = "feature.>"
