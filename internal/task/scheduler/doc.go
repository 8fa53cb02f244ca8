// Package scheduler drives the periodic background checks.
//
// A single robfig/cron entry fires on a fixed interval (or cron expression).
// Each firing is one tick of a Cycle: every registered job declares how many
// ticks apart it runs, so expensive checks can run at a lower frequency
// without a second timer.
package scheduler
