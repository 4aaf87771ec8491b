// Package driver runs daily discovery: it resolves the catalog for the
// current window and installs milestone jobs for every resolved event. The
// same Discover call backs the cron trigger, the boot run and the on-demand
// API trigger; repeating it within a day only tracks events not yet tracked.
package driver
