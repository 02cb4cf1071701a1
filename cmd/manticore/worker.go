package main

import (
	"log/slog"
	"os"

	"github.com/CZERTAINLY/manticore/internal/log"
	"github.com/CZERTAINLY/manticore/internal/model"
	"github.com/CZERTAINLY/manticore/internal/service"
	"github.com/CZERTAINLY/manticore/internal/tasks"
	"github.com/CZERTAINLY/manticore/pkg/worker"
	"github.com/spf13/cobra"
)

// workerCmd serves the built-in tasks for a pool started by run or exec.
// Its stderr is logged by the pool.
var workerCmd = &cobra.Command{
	Use:    service.WorkerCommand,
	Hidden: true,
	Args:   cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		v := model.NewViper()
		slog.SetDefault(log.New(flagVerbose || v.GetBool("service.verbose")))
		cmd.SetContext(log.ContextAttrs(cmd.Context(),
			slog.String("command", service.WorkerCommand),
			slog.Int("pid", os.Getpid()),
		))
		return nil
	},
	PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg := worker.NewRegistry()
		if err := tasks.Register(reg); err != nil {
			return err
		}
		return worker.Serve(cmd.Context(), reg)
	},
}
