// Package milestone turns an event's start into first-probe deadlines and
// runs the per-event polling loop that waits for halftime or the final
// buzzer before handing the event to the pipeline.
//
// Every (event, milestone) pair owns exactly one timer slot, named by
// domain.JobKey. Rescheduling replaces the slot's timer, and a firing that
// belongs to a superseded generation is ignored, so the handler runs at
// most once per key.
package milestone
