// Package schemas holds the JSON Schemas for the documents exchanged with workers and
// clients.
package schemas

import "embed"

// FS contains every *.schema.json file in this directory.
//
//go:embed *.schema.json
var FS embed.FS

// Schema file names.
const (
	Envelope        = "envelope.schema.json"
	CompleteRequest = "complete_request.schema.json"
	JobSpec         = "job_spec.schema.json"
)
