package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/andr3eee1/na-sandbox/internal/sandbox/spec"
	appErr "github.com/andr3eee1/na-sandbox/pkg/errors"

	"github.com/docker/go-units"
	"github.com/google/shlex"
	"github.com/shirou/gopsutil/v4/cpu"
	"k8s.io/utils/cpuset"
)

// limitFlags are the raw limit literals from the command line.
type limitFlags struct {
	wallTime string
	cpuTime  string
	memory   string
	cpus     string
	mems     string
}

// hostCPUCount is replaced in tests.
var hostCPUCount = func() (int, error) {
	return cpu.Counts(true)
}

func parseLimits(f limitFlags) (spec.RunLimits, error) {
	var (
		limits spec.RunLimits
		err    error
	)
	if limits.WallTime, err = parseDuration("wall-time", f.wallTime); err != nil {
		return spec.RunLimits{}, err
	}
	if limits.CPUTime, err = parseDuration("cpu-time", f.cpuTime); err != nil {
		return spec.RunLimits{}, err
	}
	if limits.MemoryBytes, err = parseSize("memory", f.memory); err != nil {
		return spec.RunLimits{}, err
	}
	if limits.CPUSet, err = parseCPUSet(f.cpus); err != nil {
		return spec.RunLimits{}, err
	}
	if limits.MemNodes, err = parseNodeList("mems", f.mems); err != nil {
		return spec.RunLimits{}, err
	}
	return limits, nil
}

// parseDuration accepts Go duration literals ("1.5s", "250ms") and bare
// numbers, which are seconds.
func parseDuration(field, literal string) (time.Duration, error) {
	literal = strings.TrimSpace(literal)
	if literal == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(literal)
	if err != nil {
		secs, ferr := strconv.ParseFloat(literal, 64)
		if ferr != nil {
			return 0, appErr.ValidationError(field, "expected a duration such as 2s or 500ms, got "+strconv.Quote(literal))
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d <= 0 {
		return 0, appErr.ValidationError(field, "must be positive")
	}
	return d, nil
}

// parseSize accepts binary size literals: 512, 64K, 256M, 1G, 1.5GiB.
func parseSize(field, literal string) (int64, error) {
	literal = strings.TrimSpace(literal)
	if literal == "" {
		return 0, nil
	}
	size, err := units.RAMInBytes(literal)
	if err != nil {
		return 0, appErr.ValidationError(field, err.Error())
	}
	if size <= 0 {
		return 0, appErr.ValidationError(field, "must be positive")
	}
	return size, nil
}

// parseCPUSet validates a cpu list against the host and returns it in
// canonical form.
func parseCPUSet(literal string) (string, error) {
	literal = strings.TrimSpace(literal)
	if literal == "" {
		return "", nil
	}
	set, err := cpuset.Parse(literal)
	if err != nil {
		return "", appErr.ValidationError("cpus", err.Error())
	}
	if set.IsEmpty() {
		return "", appErr.ValidationError("cpus", "cpu list is empty")
	}
	count, err := hostCPUCount()
	if err != nil {
		return "", appErr.Wrapf(err, appErr.InternalServerError, "count host cpus failed")
	}
	if list := set.List(); list[len(list)-1] >= count {
		return "", appErr.ValidationError("cpus", "cpu "+strconv.Itoa(list[len(list)-1])+" does not exist on this host")
	}
	return set.String(), nil
}

func parseNodeList(field, literal string) (string, error) {
	literal = strings.TrimSpace(literal)
	if literal == "" {
		return "", nil
	}
	set, err := cpuset.Parse(literal)
	if err != nil {
		return "", appErr.ValidationError(field, err.Error())
	}
	if set.IsEmpty() {
		return "", appErr.ValidationError(field, "node list is empty")
	}
	return set.String(), nil
}

// programArgs joins positional arguments with the shell-style --args string.
func programArgs(positional []string, extra string) ([]string, error) {
	args := append([]string(nil), positional...)
	if strings.TrimSpace(extra) == "" {
		return args, nil
	}
	split, err := shlex.Split(extra)
	if err != nil {
		return nil, appErr.ValidationError("args", err.Error())
	}
	return append(args, split...), nil
}
