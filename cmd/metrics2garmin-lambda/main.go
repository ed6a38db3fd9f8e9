// The metrics2garmin-lambda binary performs one migration run per
// invocation, triggered by an EventBridge schedule in place of the
// long-running serve command.
package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	awslambda "github.com/aws/aws-lambda-go/lambda"

	intlambda "github.com/LawrenceBeran/Metrics2Garmin/internal/lambda"
)

var (
	deps     *intlambda.Deps
	depsOnce sync.Once
	depsErr  error
)

// getDeps initializes the shared dependencies once per cold start.
func getDeps(ctx context.Context) (*intlambda.Deps, error) {
	depsOnce.Do(func() {
		deps, depsErr = intlambda.Init(ctx)
	})
	return deps, depsErr
}

func handler(ctx context.Context, evt intlambda.RunEvent) (intlambda.RunOutput, error) {
	d, err := getDeps(ctx)
	if err != nil {
		slog.Error("initialization failed", "error", err)
		return intlambda.RunOutput{}, err
	}
	return intlambda.Handle(ctx, d.Engine, evt)
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	awslambda.Start(handler)
}
