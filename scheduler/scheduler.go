// Package scheduler drives the periodic re-pricing of tracked instruments.
// It handles:
// - A gocron tick that lists instruments whose refresh interval elapsed
// - Dispatch of due instruments to a bounded pool of refresh workers
// - Skipping instruments whose previous refresh is still queued or running
//
// The scheduler itself is implemented in jobs.go
package scheduler
