package toolchain

import (
	"context"
	"errors"

	"github.com/martinal/instant/cache"
)

// Func adapts a Go function to cache.Collaborator.
type Func struct {
	ToolName    string
	ToolVersion string
	Fn          func(ctx context.Context, job cache.Job) (cache.BuildOutput, error)
}

func (f Func) Describe(context.Context) (cache.Description, error) {
	return cache.Description{Name: f.ToolName, Version: f.ToolVersion}, nil
}

func (f Func) Build(ctx context.Context, job cache.Job) (cache.BuildOutput, error) {
	if f.Fn == nil {
		return cache.BuildOutput{}, errors.New("toolchain.Func: nil Fn")
	}
	return f.Fn(ctx, job)
}
