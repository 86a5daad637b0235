package rootfs

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	appErr "github.com/andr3eee1/na-sandbox/pkg/errors"
	"github.com/andr3eee1/na-sandbox/pkg/utils/logger"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// maxInterpLen bounds the PT_INTERP contents to PATH_MAX.
const maxInterpLen = 4096

// ErrUnresolved reports that some needed libraries could not be located.
// The accompanying dependency list is still usable.
var ErrUnresolved = errors.New("unresolved shared libraries")

// Resolver lists the host files a program needs at run time: its dynamic
// loader and the transitive closure of its shared libraries.
type Resolver interface {
	Resolve(ctx context.Context, program string) ([]string, error)
}

// NewResolver returns the default chain: ELF introspection first, ldd as fallback.
func NewResolver(cfg Config) Resolver {
	cfg = cfg.withDefaults()
	return ChainResolver{
		Primary:  ELFResolver{LibraryDirs: cfg.LibraryDirs},
		Fallback: LddResolver{Path: cfg.LddPath},
	}
}

// ChainResolver merges the fallback's answer in whenever the primary is incomplete.
type ChainResolver struct {
	Primary  Resolver
	Fallback Resolver
}

func (c ChainResolver) Resolve(ctx context.Context, program string) ([]string, error) {
	deps, err := c.Primary.Resolve(ctx, program)
	if err == nil {
		return deps, nil
	}
	logger.Debug(ctx, "primary dependency resolution incomplete",
		zap.String("program", program), zap.Error(err))

	more, fbErr := c.Fallback.Resolve(ctx, program)
	merged := dedupe(append(deps, more...))
	if fbErr != nil {
		return merged, appErr.Wrapf(multierr.Combine(err, fbErr), appErr.DependencyResolveFailed,
			"resolve dependencies of %s failed", program)
	}
	return merged, nil
}

// ELFResolver reads PT_INTERP, DT_NEEDED and the run paths directly from the
// binaries and searches for libraries breadth first.
type ELFResolver struct {
	// LibraryDirs is searched after the binary's own run path.
	LibraryDirs []string
}

func (r ELFResolver) Resolve(ctx context.Context, program string) ([]string, error) {
	f, err := elf.Open(program)
	if err != nil {
		return nil, fmt.Errorf("open elf %s: %w", program, err)
	}
	class, machine := f.Class, f.Machine
	interp, interpErr := readInterp(f)
	_ = f.Close()

	var (
		deps    []string
		missing []string
	)
	switch {
	case interpErr != nil:
		missing = append(missing, "PT_INTERP ("+interpErr.Error()+")")
	case interp == "":
	case compatible(interp, class, machine):
		deps = append(deps, interp)
	default:
		missing = append(missing, interp)
	}

	dirs := r.LibraryDirs
	if len(dirs) == 0 {
		dirs = defaultLibraryDirs(machine)
	}

	var (
		seen  = map[string]bool{}
		queue = []string{program}
	)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		needed, runpath, err := dynamicInfo(cur)
		if err != nil {
			return dedupe(deps), fmt.Errorf("read dynamic section of %s: %w", cur, err)
		}
		search := append(expandOrigin(runpath, filepath.Dir(cur)), dirs...)
		for _, name := range needed {
			if seen[name] {
				continue
			}
			seen[name] = true
			path, ok := findLibrary(name, search, class, machine)
			if !ok {
				missing = append(missing, name)
				continue
			}
			deps = append(deps, path)
			queue = append(queue, path)
		}
	}

	deps = dedupe(deps)
	if len(missing) > 0 {
		return deps, fmt.Errorf("%w: %s", ErrUnresolved, strings.Join(missing, ", "))
	}
	return deps, nil
}

// readInterp returns the loader path named by PT_INTERP, or "" for static
// binaries. The header size is not trusted.
func readInterp(f *elf.File) (string, error) {
	for _, p := range f.Progs {
		if p.Type != elf.PT_INTERP {
			continue
		}
		if p.Filesz > maxInterpLen {
			return "", fmt.Errorf("interpreter entry of %d bytes exceeds %d", p.Filesz, maxInterpLen)
		}
		data, err := io.ReadAll(io.LimitReader(p.Open(), maxInterpLen))
		if err != nil {
			return "", err
		}
		name, _, _ := strings.Cut(string(data), "\x00")
		return name, nil
	}
	return "", nil
}

// dynamicInfo returns DT_NEEDED and the run path list, preferring DT_RUNPATH
// over DT_RPATH. Static binaries yield nothing.
func dynamicInfo(path string) ([]string, []string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	if f.Section(".dynamic") == nil {
		return nil, nil, nil
	}
	needed, err := f.ImportedLibraries()
	if err != nil {
		return nil, nil, err
	}
	runpath, _ := f.DynString(elf.DT_RUNPATH)
	if len(runpath) == 0 {
		runpath, _ = f.DynString(elf.DT_RPATH)
	}
	var dirs []string
	for _, entry := range runpath {
		for _, dir := range strings.Split(entry, ":") {
			if dir != "" {
				dirs = append(dirs, dir)
			}
		}
	}
	return needed, dirs, nil
}

func expandOrigin(dirs []string, origin string) []string {
	out := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		dir = strings.ReplaceAll(dir, "${ORIGIN}", origin)
		dir = strings.ReplaceAll(dir, "$ORIGIN", origin)
		out = append(out, dir)
	}
	return out
}

func findLibrary(name string, dirs []string, class elf.Class, machine elf.Machine) (string, bool) {
	if strings.Contains(name, "/") {
		return name, compatible(name, class, machine)
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if compatible(candidate, class, machine) {
			return candidate, true
		}
	}
	return "", false
}

// compatible accepts only regular ELF files of the program's class and
// machine. It rejects arbitrary host files named by a hostile binary and
// skips 32-bit objects in multilib /lib.
func compatible(path string, class elf.Class, machine elf.Machine) bool {
	if !fileExists(path) {
		return false
	}
	f, err := elf.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	return f.Class == class && f.Machine == machine
}

func defaultLibraryDirs(machine elf.Machine) []string {
	var dirs []string
	if triplet, ok := multiarchTriplets[machine]; ok {
		dirs = append(dirs, "/lib/"+triplet, "/usr/lib/"+triplet)
	}
	return append(dirs, "/lib64", "/usr/lib64", "/lib", "/usr/lib", "/usr/local/lib")
}

var multiarchTriplets = map[elf.Machine]string{
	elf.EM_X86_64:  "x86_64-linux-gnu",
	elf.EM_AARCH64: "aarch64-linux-gnu",
	elf.EM_386:     "i386-linux-gnu",
	elf.EM_ARM:     "arm-linux-gnueabihf",
	elf.EM_RISCV:   "riscv64-linux-gnu",
}

// LddResolver asks ldd(1). It is the fallback for binaries the ELF walk
// cannot fully resolve, e.g. when ld.so.conf adds search directories.
type LddResolver struct {
	Path string

	output func(ctx context.Context, path, program string) ([]byte, error)
}

func (r LddResolver) Resolve(ctx context.Context, program string) ([]string, error) {
	path := r.Path
	if path == "" {
		path = defaultLddPath
	}
	run := r.output
	if run == nil {
		run = runLdd
	}
	out, err := run(ctx, path, program)
	if err != nil {
		return nil, fmt.Errorf("run %s on %s: %w", path, program, err)
	}
	return ParseLddOutput(string(out)), nil
}

func runLdd(ctx context.Context, path, program string) ([]byte, error) {
	return exec.CommandContext(ctx, path, program).Output()
}

var (
	lddLinkedPattern = regexp.MustCompile(`=>\s*(/\S+)\s*\(`)
	lddLoaderPattern = regexp.MustCompile(`(?m)^\s*(/\S+)\s+\(0x[0-9a-fA-F]+\)\s*$`)
)

// ParseLddOutput extracts absolute paths from ldd output. It recognises
// "name => /path (0x...)" lines and the loader line "/path (0x...)".
// Virtual objects such as linux-vdso and "not found" entries are skipped.
func ParseLddOutput(out string) []string {
	var paths []string
	for _, m := range lddLinkedPattern.FindAllStringSubmatch(out, -1) {
		paths = append(paths, m[1])
	}
	for _, m := range lddLoaderPattern.FindAllStringSubmatch(out, -1) {
		paths = append(paths, m[1])
	}
	return dedupe(paths)
}

func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
