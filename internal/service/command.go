package service

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/CZERTAINLY/Overseer/internal/model"
)

// Command is a prototype of a single task execution.
type Command struct {
	Path      string
	Args      []string
	Env       []string // merged over the inherited environment
	Dir       string
	Timeout   time.Duration
	KillGrace time.Duration // SIGTERM to SIGKILL, zero kills at once
}

// CommandFromConfig resolves the executable and the extra environment of
// the task. Env values starting with $ are expanded, names are upper cased.
func CommandFromConfig(cfg model.Task) Command {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	sort.Strings(env)

	return Command{
		Path:      executable(cfg),
		Args:      append([]string(nil), cfg.Args...),
		Env:       env,
		Dir:       cfg.Dir,
		Timeout:   cfg.Timeout.Std(),
		KillGrace: cfg.KillGrace.Std(),
	}
}

func executable(cfg model.Task) string {
	if cfg.Path != "" {
		return cfg.Path
	}
	if cfg.PlatformEnv != "" && os.Getenv(cfg.PlatformEnv) != "" {
		return cfg.PlatformInterpreter
	}
	return cfg.Interpreter
}
