package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/m4xw311/qtspy/discovery"
	"github.com/m4xw311/qtspy/terminal"
)

// target is what the connection engine needs to reach one process.
type target struct {
	candidates []string
	// pid is 0 when only an endpoint name is known.
	pid int
}

type resolver struct {
	scanner *discovery.Scanner
	dir     string
	stderr  *terminal.Printer
	log     *zap.Logger
	pick    func([]discovery.Process) (int, error)
}

// resolve turns the target selection flags into candidate endpoint names.
// An explicit --server or --pid wins over discovery.
func (r *resolver) resolve(o *options) (target, error) {
	if o.server != "" {
		return target{candidates: []string{o.server}, pid: max(o.pid, 0)}, nil
	}
	if o.pid != 0 {
		if o.pid < 0 {
			return target{}, fmt.Errorf("invalid PID supplied: %d", o.pid)
		}
		return r.forPid(o.pid, r.scanner.Comm(o.pid)), nil
	}

	procs, err := r.scanner.List()
	if err != nil {
		return target{}, err
	}
	if len(procs) == 0 {
		return target{}, fmt.Errorf("no Qt processes found; try running a Qt application first")
	}

	var chosen discovery.Process
	switch {
	case o.interactive:
		idx, err := r.pick(procs)
		if err != nil {
			return target{}, err
		}
		if idx < 0 || idx >= len(procs) {
			return target{}, fmt.Errorf("no process selected")
		}
		chosen = procs[idx]
	case o.auto:
		// procs are sorted most recent first.
		chosen = procs[0]
		r.log.Info("auto-attaching", zap.String("process", chosen.DisplayName()), zap.Int("pid", chosen.Pid))
	case o.name != "":
		p, ok := discovery.FindByName(procs, o.name)
		if !ok {
			return target{}, fmt.Errorf("no Qt process found with name: %s", o.name)
		}
		chosen = p
		r.log.Info("found process by name", zap.String("process", chosen.DisplayName()), zap.Int("pid", chosen.Pid))
	case o.title != "":
		p, ok := discovery.FindByTitle(procs, o.title)
		if !ok {
			return target{}, fmt.Errorf("no Qt process found with window title containing: %s", o.title)
		}
		chosen = p
		r.log.Info("found process by title", zap.String("process", chosen.DisplayName()), zap.Int("pid", chosen.Pid))
	default:
		r.stderr.Text("Multiple Qt processes available. Use one of these options:\n" +
			"  --interactive  : Show selection menu\n" +
			"  --auto         : Auto-attach to most recent process\n" +
			"  --name <name>  : Attach by process name\n" +
			"  --list         : Show all available processes\n")
		r.stderr.Processes(procs)
		return target{}, fmt.Errorf("please specify which process to attach to")
	}
	return r.forPid(chosen.Pid, chosen.Comm), nil
}

func (r *resolver) forPid(pid int, comm string) target {
	return target{candidates: discovery.Candidates(r.dir, pid, comm), pid: pid}
}
