// Package planner turns compiled rows and the last synchronized snapshot
// into the minimal list of create and update operations.
//
// The remote store is append/update only. A row that disappears locally is
// left alone remotely so historical records stay auditable.
package planner
