// Package format defines the contract shared by container demuxers, a
// registry that picks one for an input, and the worker that drives a
// demuxer on its own goroutine.
package format

import (
	"context"
	"fmt"
)

// StatusCode is the coarse state of a demuxer.
type StatusCode int

// Demuxer states.
const (
	StatusIdle StatusCode = iota
	StatusOK
	StatusFinished
)

func (c StatusCode) String() string {
	switch c {
	case StatusIdle:
		return "idle"
	case StatusOK:
		return "ok"
	case StatusFinished:
		return "finished"
	default:
		return fmt.Sprintf("status(%d)", int(c))
	}
}

// Status reports a demuxer's state. Err is set when the demuxer finished
// because of a failure rather than end of input.
type Status struct {
	Code StatusCode
	Err  error
}

func (s Status) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s: %v", s.Code, s.Err)
	}
	return s.Code.String()
}

// Demuxer is implemented by every container format. All methods are called
// from one goroutine, normally a Worker.
type Demuxer interface {
	// SendHeaders reads as much of the input as is needed to discover the
	// elementary streams. Data found on the way is delivered as usual.
	SendHeaders(ctx context.Context) error
	// SendChunk processes the next slice of input. It returns io.EOF once
	// the input is exhausted and every pending buffer has been delivered.
	SendChunk(ctx context.Context) error
	// Seek moves to byte offset pos and arranges a timeline reset on the
	// outputs.
	Seek(ctx context.Context, pos int64) error
	// Dispose releases the input. The demuxer is unusable afterwards.
	Dispose()
	Status() Status
}
