package executor

import (
	"context"
	"fmt"
	"time"
)

// Local is the development backend: it sleeps briefly and echoes the
// instructions back as output. Useful for exercising workflows without any
// provider credentials.
type Local struct {
	Delay time.Duration
}

func (l *Local) Execute(ctx context.Context, req Request) (Result, error) {
	if l.Delay > 0 {
		select {
		case <-time.After(l.Delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return Result{Output: fmt.Sprintf("[task %d] %s", req.TaskSeq, req.Instructions)}, nil
}
