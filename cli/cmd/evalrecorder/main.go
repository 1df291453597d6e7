package main

import (
	"context"
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/kagent-dev/evalrecorder/cli/internal/cli/recorder"
)

func main() {
	if err := recorder.NewRecorderCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
