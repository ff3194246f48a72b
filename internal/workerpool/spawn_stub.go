//go:build !linux

package workerpool

import (
	"context"
	"fmt"

	"roma/internal/codeentry"
)

func (p *Pool) spawnOne(ctx context.Context, entry codeentry.Entry) (*Worker, error) {
	return nil, fmt.Errorf("worker pool spawning is only supported on linux")
}

func (p *Pool) watchExit(w *Worker) {}
