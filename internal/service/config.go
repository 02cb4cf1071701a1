package service

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/CZERTAINLY/manticore/internal/model"
	"github.com/CZERTAINLY/manticore/pkg/pool"
)

// WorkerCommand is the hidden command of the manticore binary serving the
// built-in tasks.
const WorkerCommand = "_worker"

// PoolConfig translates the pool section of a configuration. Without an
// explicit worker the pool runs self with WorkerCommand.
func PoolConfig(cfg model.Pool, self string) (pool.Config, error) {
	idle, err := cfg.IdleTimeoutDuration()
	if err != nil {
		return pool.Config{}, err
	}
	return pool.Config{
		Worker:      command(cfg.Worker, self),
		Concurrent:  cfg.Concurrent,
		Paralel:     cfg.Paralel,
		Attempts:    cfg.Attempts,
		IdleTimeout: idle,
		Streams:     cfg.Streams,
		Codec:       cfg.Codec,
	}, nil
}

func command(w *model.Worker, self string) pool.Command {
	if w == nil {
		return pool.Command{Path: self, Args: []string{WorkerCommand}}
	}
	env := make([]string, 0, len(w.Env))
	for _, k := range slices.Sorted(maps.Keys(w.Env)) {
		v := w.Env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return pool.Command{
		Path: w.Path,
		Args: w.Args,
		Env:  env,
		Dir:  w.Dir,
	}
}
