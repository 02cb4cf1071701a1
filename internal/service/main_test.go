package service_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/CZERTAINLY/manticore/internal/tasks"
	"github.com/CZERTAINLY/manticore/pkg/worker"
	"go.uber.org/goleak"
)

const workerEnv = "MANTICORE_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		reg := worker.NewRegistry()
		if err := tasks.Register(reg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := worker.Serve(context.Background(), reg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	goleak.VerifyTestMain(m,
		// idle keep-alive connections of the repository client
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}
