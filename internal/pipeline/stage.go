// Package pipeline runs order batches through Filter, Enrich, Transform and Aggregate stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"orderpipe/internal/model"
)

// Configuration errors. They are fatal and surface when a pipeline is built.
var (
	ErrUnknownDimension      = errors.New("unknown aggregation dimension")
	ErrUnknownTransformation = errors.New("unknown transformation")
	ErrUnknownPolicy         = errors.New("unknown failure policy")
)

// Stage is one unit of work over a batch. Stages keep record order; a stage may drop records.
type Stage interface {
	Name() string
	Process(ctx context.Context, batch []*model.Record) ([]*model.Record, error)
}

// Mutator marks stages that modify records in place. The runner hands them a copy so the
// pre-failure batch survives a failed stage.
type Mutator interface {
	Mutates() bool
}

// StageError records a failed stage.
type StageError struct {
	Stage string `json:"stage"`
	Err   error  `json:"-"`
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Message is the failure text, kept for reports.
func (e *StageError) Message() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// StageFunc adapts a function to Stage.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, batch []*model.Record) ([]*model.Record, error)
}

func (s StageFunc) Name() string { return s.StageName }

func (s StageFunc) Process(ctx context.Context, batch []*model.Record) ([]*model.Record, error) {
	return s.Fn(ctx, batch)
}
