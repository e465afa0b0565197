package model

import (
	"context"
)

// ResultSink receives a copy of every job which reached a terminal state.
type ResultSink interface {
	Put(ctx context.Context, job Job) error
}
