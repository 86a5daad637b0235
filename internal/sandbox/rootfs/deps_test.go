package rootfs

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	appErr "github.com/andr3eee1/na-sandbox/pkg/errors"
)

func TestParseLddOutput(t *testing.T) {
	cases := []struct {
		name string
		out  string
		want []string
	}{
		{
			name: "dynamic_binary",
			out: "\tlinux-vdso.so.1 (0x00007ffd6a5f2000)\n" +
				"\tlibstdc++.so.6 => /lib/x86_64-linux-gnu/libstdc++.so.6 (0x00007f2c1c000000)\n" +
				"\tlibm.so.6 => /lib/x86_64-linux-gnu/libm.so.6 (0x00007f2c1bf19000)\n" +
				"\tlibc.so.6 => /lib/x86_64-linux-gnu/libc.so.6 (0x00007f2c1bc00000)\n" +
				"\t/lib64/ld-linux-x86-64.so.2 (0x00007f2c1c2b4000)\n",
			want: []string{
				"/lib/x86_64-linux-gnu/libstdc++.so.6",
				"/lib/x86_64-linux-gnu/libm.so.6",
				"/lib/x86_64-linux-gnu/libc.so.6",
				"/lib64/ld-linux-x86-64.so.2",
			},
		},
		{
			name: "missing_library",
			out: "\tlibfoo.so.1 => not found\n" +
				"\tlibc.so.6 => /lib/libc.so.6 (0x00007f0000000000)\n",
			want: []string{"/lib/libc.so.6"},
		},
		{
			name: "duplicates",
			out: "\tlibc.so.6 => /lib/libc.so.6 (0x1)\n" +
				"\tlibc.so.6 => /lib/libc.so.6 (0x1)\n",
			want: []string{"/lib/libc.so.6"},
		},
		{
			name: "static_binary",
			out:  "\tnot a dynamic executable\n",
			want: []string{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseLddOutput(tc.out)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseLddOutput() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLddResolverUsesConfiguredTool(t *testing.T) {
	var gotPath, gotProgram string
	r := LddResolver{
		Path: "/usr/bin/ldd",
		output: func(_ context.Context, path, program string) ([]byte, error) {
			gotPath, gotProgram = path, program
			return []byte("\tlibc.so.6 => /lib/libc.so.6 (0x1)\n\t/lib/ld.so (0x2)\n"), nil
		},
	}
	deps, err := r.Resolve(context.Background(), "/work/solution")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if gotPath != "/usr/bin/ldd" || gotProgram != "/work/solution" {
		t.Fatalf("ran %s %s", gotPath, gotProgram)
	}
	if want := []string{"/lib/libc.so.6", "/lib/ld.so"}; !reflect.DeepEqual(deps, want) {
		t.Fatalf("deps = %q, want %q", deps, want)
	}
}

type staticResolver struct {
	deps []string
	err  error
}

func (s staticResolver) Resolve(context.Context, string) ([]string, error) {
	return s.deps, s.err
}

func TestChainResolver(t *testing.T) {
	cases := []struct {
		name     string
		primary  staticResolver
		fallback staticResolver
		want     []string
		wantErr  bool
	}{
		{
			name:     "primary_complete",
			primary:  staticResolver{deps: []string{"/lib/ld.so", "/lib/libc.so.6"}},
			fallback: staticResolver{err: errors.New("must not run")},
			want:     []string{"/lib/ld.so", "/lib/libc.so.6"},
		},
		{
			name:     "merges_on_gap",
			primary:  staticResolver{deps: []string{"/lib/ld.so"}, err: ErrUnresolved},
			fallback: staticResolver{deps: []string{"/opt/lib/libx.so", "/lib/ld.so"}},
			want:     []string{"/lib/ld.so", "/opt/lib/libx.so"},
		},
		{
			name:     "both_fail",
			primary:  staticResolver{deps: []string{"/lib/ld.so"}, err: ErrUnresolved},
			fallback: staticResolver{err: errors.New("ldd missing")},
			want:     []string{"/lib/ld.so"},
			wantErr:  true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deps, err := ChainResolver{Primary: tc.primary, Fallback: tc.fallback}.Resolve(context.Background(), "/p")
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if tc.wantErr && (!appErr.Is(err, appErr.DependencyResolveFailed) || !errors.Is(err, ErrUnresolved)) {
				t.Fatalf("err = %v, want DependencyResolveFailed wrapping ErrUnresolved", err)
			}
			if !reflect.DeepEqual(deps, tc.want) {
				t.Fatalf("deps = %q, want %q", deps, tc.want)
			}
		})
	}
}

func TestELFResolverRejectsNonELF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0755); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := ELFResolver{}.Resolve(context.Background(), path)
	if err == nil || errors.Is(err, ErrUnresolved) {
		t.Fatalf("non-elf error = %v", err)
	}
}

func TestELFResolverFindsLoaderAndLibraries(t *testing.T) {
	const shell = "/bin/sh"
	f, err := elf.Open(shell)
	if err != nil {
		t.Skipf("no ELF shell available: %v", err)
	}
	interp, err := readInterp(f)
	_ = f.Close()
	if err != nil {
		t.Fatalf("read interp: %v", err)
	}
	if interp == "" {
		t.Skip("shell is statically linked")
	}

	deps, err := ELFResolver{}.Resolve(context.Background(), shell)
	if err != nil && !errors.Is(err, ErrUnresolved) {
		t.Fatalf("resolve: %v", err)
	}
	if len(deps) == 0 || deps[0] != interp {
		t.Fatalf("deps = %q, want loader %s first", deps, interp)
	}
	seen := map[string]bool{}
	for _, d := range deps {
		if seen[d] {
			t.Fatalf("duplicate dependency %s in %q", d, deps)
		}
		seen[d] = true
	}
}

func TestExpandOrigin(t *testing.T) {
	got := expandOrigin([]string{"$ORIGIN/../lib", "${ORIGIN}", "/opt/lib"}, "/app/bin")
	want := []string{"/app/bin/../lib", "/app/bin", "/opt/lib"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expandOrigin() = %q, want %q", got, want)
	}
}

// patchedShell copies /bin/sh after letting edit rewrite it. edit receives the
// file offset of the PT_INTERP program header and of the entry's contents.
func patchedShell(t *testing.T, edit func(data []byte, phdr uint64, prog *elf.Prog)) string {
	t.Helper()
	const shell = "/bin/sh"
	f, err := elf.Open(shell)
	if err != nil {
		t.Skipf("no ELF shell available: %v", err)
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 || f.ByteOrder != binary.LittleEndian {
		t.Skip("needs a little-endian 64-bit shell")
	}
	data, err := os.ReadFile(shell)
	if err != nil {
		t.Fatalf("read shell: %v", err)
	}
	phoff := binary.LittleEndian.Uint64(data[0x20:])
	phentsize := uint64(binary.LittleEndian.Uint16(data[0x36:]))
	for i, p := range f.Progs {
		if p.Type != elf.PT_INTERP {
			continue
		}
		edit(data, phoff+uint64(i)*phentsize, p)
		path := filepath.Join(t.TempDir(), "prog")
		if err := os.WriteFile(path, data, 0755); err != nil {
			t.Fatalf("write patched binary: %v", err)
		}
		return path
	}
	t.Skip("shell is statically linked")
	return ""
}

func TestELFResolverBoundsInterpreterSize(t *testing.T) {
	prog := patchedShell(t, func(data []byte, phdr uint64, _ *elf.Prog) {
		// p_filesz of an Elf64_Phdr
		binary.LittleEndian.PutUint64(data[phdr+0x20:], 1<<62)
	})

	if f, err := elf.Open(prog); err == nil {
		_, rerr := readInterp(f)
		_ = f.Close()
		if rerr == nil {
			t.Fatal("oversized PT_INTERP accepted")
		}
	}
	if _, err := (ELFResolver{}).Resolve(context.Background(), prog); err == nil {
		t.Fatal("oversized PT_INTERP resolved cleanly")
	}
}

func TestELFResolverRejectsNonELFInterpreter(t *testing.T) {
	const hostFile = "/etc/passwd"
	if !fileExists(hostFile) {
		t.Skipf("%s not present", hostFile)
	}
	prog := patchedShell(t, func(data []byte, _ uint64, p *elf.Prog) {
		if p.Filesz <= uint64(len(hostFile)) {
			t.Skip("interpreter entry too short to rewrite")
		}
		entry := data[p.Off : p.Off+p.Filesz]
		for i := range entry {
			entry[i] = 0
		}
		copy(entry, hostFile)
	})

	deps, err := ELFResolver{}.Resolve(context.Background(), prog)
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("error = %v, want ErrUnresolved", err)
	}
	for _, d := range deps {
		if d == hostFile {
			t.Fatalf("non-ELF interpreter %s listed as a dependency: %q", hostFile, deps)
		}
	}
}

func TestFindLibraryChecksPathNames(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("locate test binary: %v", err)
	}
	f, err := elf.Open(exe)
	if err != nil {
		t.Skipf("test binary is not ELF: %v", err)
	}
	class, machine := f.Class, f.Machine
	_ = f.Close()

	secret := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(secret, []byte("root:x:0:0"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	other := elf.EM_S390
	if machine == other {
		other = elf.EM_X86_64
	}

	cases := []struct {
		name    string
		path    string
		machine elf.Machine
		want    bool
	}{
		{name: "elf_same_arch", path: exe, machine: machine, want: true},
		{name: "elf_other_arch", path: exe, machine: other, want: false},
		{name: "plain_file", path: secret, machine: machine, want: false},
		{name: "directory", path: filepath.Dir(secret), machine: machine, want: false},
		{name: "missing", path: secret + ".gone", machine: machine, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// the test binary's own class stands in for the program's
			if _, ok := findLibrary(tc.path, nil, class, tc.machine); ok != tc.want {
				t.Fatalf("findLibrary(%s) = %v, want %v", tc.path, ok, tc.want)
			}
		})
	}
}
