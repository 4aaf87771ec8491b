// Package scheduler turns cron specs, intervals and keyed one-shot instants
// into tasks on the engine queue. It never runs jobs itself.
package scheduler
