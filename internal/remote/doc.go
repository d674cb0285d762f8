// Package remote talks to the record store the compiled tables are
// synchronized into.
//
// RecordStore is the boundary the executor writes through. NotionClient
// implements it over the Notion REST API. Memory implements it in process
// with fault and race injection for tests and dry scenarios.
//
// Every failure crossing the boundary is a *SyncError classed Transient or
// Fatal. Create reports ErrAlreadyExists when it loses a race and Update
// reports ErrNotFound when the record is gone, so callers can fall back to
// the other write.
package remote
