package main

import (
	"context"

	"github.com/alecthomas/kong"

	"chatflow/cmd/chatflow/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Serve     commands.ServeCmd     `cmd:"" help:"Run the WebSocket and HTTP server"`
		Worker    commands.WorkerCmd    `cmd:"" help:"Run a job worker"`
		Scheduler commands.SchedulerCmd `cmd:"" help:"Run the periodic task scheduler"`
		Migrate   commands.MigrateCmd   `cmd:"" help:"Apply the job store schema and exit"`
		Token     commands.TokenCmd     `cmd:"" help:"Print a WebSocket token for a user"`
		Debug     bool                  `help:"Enable debug mode." env:"CHATFLOW_DEBUG"`
		Version   kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("chatflow"),
		kong.Description("Real-time chat fan-out, job queue and scheduler."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
