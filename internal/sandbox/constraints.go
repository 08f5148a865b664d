package sandbox

import (
	"fmt"
	"strconv"
)

// Constraints bound a single container execution. Zero fields are not passed
// to docker.
type Constraints struct {
	MemoryLimitInKB int
	CPUs            float64
	MaxProcesses    int
	Network         string
}

func DefaultConstraints() Constraints {
	return Constraints{
		MemoryLimitInKB: 2048000,
		CPUs:            1.0,
		MaxProcesses:    128,
	}
}

func (c *Constraints) ToArgs() []string {
	args := []string{}
	if c.MemoryLimitInKB > 0 {
		args = append(args, c.MemLimArg())
	}
	if c.CPUs > 0 {
		args = append(args, c.CPUsArg())
	}
	if c.MaxProcesses > 0 {
		args = append(args, c.MaxProcessesArg())
	}
	if c.Network != "" {
		args = append(args, "--network="+c.Network)
	}
	return args
}

func (c *Constraints) MemLimArg() string {
	return fmt.Sprintf("--memory=%dk", c.MemoryLimitInKB)
}

func (c *Constraints) CPUsArg() string {
	return "--cpus=" + strconv.FormatFloat(c.CPUs, 'f', -1, 64)
}

func (c *Constraints) MaxProcessesArg() string {
	return fmt.Sprintf("--pids-limit=%d", c.MaxProcesses)
}
