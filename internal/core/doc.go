// Package core runs the health-data pipeline against a store.
//
// The [Engine] is the entry point for the server and the CLI. It owns the
// update protocol and the read path; every other package is a stage it
// drives or a store it writes to.
//
// # Update Protocol
//
// An update fetches the sheet, parses, validates and transforms it, and
// writes the result so that readers never see a half-populated table:
//
//  1. SQLite: back up the live file, then build into a fresh temporary file.
//     Postgres: drop and recreate every table in one transaction.
//  2. Run the pipeline and populate the target store in one transaction.
//  3. Mark the target ready; SQLite then renames the temporary file over the
//     live one.
//  4. On failure SQLite discards the temporary file and restores the
//     pre-update backup. Postgres is left empty with status updating, and the
//     error is returned to the caller without a retry.
//
// # Concurrency
//
// A single-slot [UpdateGuard] admits one update at a time. [Engine.Update]
// runs in the caller's goroutine; [Engine.StartUpdate] hands the run to a
// one-worker pool and returns immediately. Either way a second request while
// a run is in flight gets [ErrUpdateInProgress].
//
// # Error Handling
//
// Row-level parse and validation findings never abort a run; they are
// returned on [UpdateResult]. Fetch, persistence and configuration errors
// fail the run. [MapError] turns any of them into a coded [UserMessage].
package core
