// Package pipeline gathers props and box scores once a milestone fires,
// selects picks, and hands them to storage, notification and export.
package pipeline
