// Package stage defines the wire contract between the orchestrator and
// shard workers and an HTTP client for it.
package stage

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/samcharles93/pipeshard/internal/partition"
	"github.com/samcharles93/pipeshard/internal/tensor"
	"github.com/samcharles93/pipeshard/internal/weights"
)

const (
	ContentType = "application/cbor"

	ForwardPath = "/v1/stage/forward"
	InfoPath    = "/v1/stage/info"
	HealthPath  = "/healthz"
)

// ForwardRequest carries one stage's input for one decode step.
type ForwardRequest struct {
	Session string        `cbor:"1,keyasint"`
	Step    int           `cbor:"2,keyasint"`
	Input   tensor.Tensor `cbor:"3,keyasint"`
}

// ForwardResponse carries the stage output. Shard echoes the responding
// shard index so a misrouted call is detectable.
type ForwardResponse struct {
	Output tensor.Tensor `cbor:"1,keyasint"`
	Shard  int           `cbor:"2,keyasint"`
}

// Info describes a shard worker.
type Info struct {
	Assignment partition.Assignment        `json:"assignment"`
	Backend    string                      `json:"backend"`
	Ready      bool                        `json:"ready"`
	Tensors    int                         `json:"tensors"`
	Bytes      int64                       `json:"bytes"`
	Warning    *weights.PartialLoadWarning `json:"warning,omitempty"`
	Version    string                      `json:"version,omitempty"`
}

// ErrorBody is the JSON error envelope stage servers return.
type ErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func Marshal(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

func Unmarshal(b []byte, v any) error {
	if err := cbor.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode stage message: %w", err)
	}
	return nil
}

type callKey struct{}

type call struct {
	session string
	step    int
}

// WithCall tags ctx with the session and decode step a forward call belongs
// to. Clients forward the tag to the worker for logging.
func WithCall(ctx context.Context, session string, step int) context.Context {
	return context.WithValue(ctx, callKey{}, call{session: session, step: step})
}

// CallFrom returns the session and step set by WithCall.
func CallFrom(ctx context.Context) (string, int) {
	c, _ := ctx.Value(callKey{}).(call)
	return c.session, c.step
}
