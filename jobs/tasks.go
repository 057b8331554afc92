// Package jobs hosts the background worker and its scheduled tasks.
package jobs

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
)
