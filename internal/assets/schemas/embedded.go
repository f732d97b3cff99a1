// Package schemasassets provides embedded JSON schemas for message payloads.
//
// Schemas are embedded at compile time so validation works regardless of the
// working directory or installation location.
package schemasassets

import _ "embed"

// JobCompletedSchema describes the job-completed event published by the runner.
//
//go:embed job-completed.schema.json
var JobCompletedSchema []byte

// RestoreRequestedSchema describes the restore request published on a tier upgrade.
//
//go:embed restore-requested.schema.json
var RestoreRequestedSchema []byte

// ThawCompletedSchema describes the thaw-completed notification from the cold store.
//
//go:embed thaw-completed.schema.json
var ThawCompletedSchema []byte
