// Package execbackend talks to the remote code-execution service. The
// service is an external collaborator: it receives a code snapshot, a
// language tag, and stdin text, and returns textual output. Retry, latency,
// and sandboxing are its concern, not ours.
package execbackend

import (
	"context"

	"pkt.systems/devcollab/schema"
)

// Request is a single execution of a document snapshot.
type Request struct {
	Code     string             `json:"code"`
	Language schema.LanguageTag `json:"language"`
	Input    string             `json:"input"`
}

// Result carries the backend's textual output. Failures and empty runs are
// not distinguished; an empty Output is rendered as a placeholder by the
// client.
type Result struct {
	Output string `json:"output"`
}

// Runner executes a snapshot and returns its output.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}
