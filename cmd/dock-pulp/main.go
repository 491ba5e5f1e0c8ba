package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/release-engineering/dockpulp/internal/cli"
	"github.com/release-engineering/dockpulp/internal/common"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	app := &cli.App{}
	root := cli.NewRootCommand(app)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		switch common.KindOf(err) {
		case common.ErrServer:
			fmt.Fprintln(os.Stderr, "the server failed; check the Pulp server logs")
		case common.ErrTask, common.ErrTimeout:
			var ce *common.Error
			if errors.As(err, &ce) && ce.TaskID != "" {
				fmt.Fprintf(os.Stderr, "inspect the task with: dock-pulp task %s\n", ce.TaskID)
			}
		case common.ErrLogin:
			fmt.Fprintln(os.Stderr, "log in again with: dock-pulp login")
		}
	}

	// os.Exit skips deferred calls, so release everything first.
	app.Close()
	stop()
	os.Exit(cli.ExitCode(err))
}
