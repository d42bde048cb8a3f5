package target

import (
	"debug/elf"
	"fmt"
	"runtime"
)

type Architecture string

const (
	ArchitectureInvalid Architecture = "invalid"
	ArchitectureX86_64  Architecture = "x86_64"
	ArchitectureARM64   Architecture = "arm64"
	ArchitectureRISCV64 Architecture = "riscv64"
)

// ParseArchitecture accepts both the Go spelling (amd64) and the ELF spelling
// (x86_64) of an architecture name.
func ParseArchitecture(arch string) (Architecture, error) {
	switch arch {
	case "amd64", "x86_64":
		return ArchitectureX86_64, nil
	case "arm64", "aarch64":
		return ArchitectureARM64, nil
	case "riscv64":
		return ArchitectureRISCV64, nil
	default:
		return ArchitectureInvalid, fmt.Errorf("unsupported architecture: %s", arch)
	}
}

// Host returns the target matching the running process, falling back to
// x86_64 on hosts the compiler does not generate code for.
func Host() Target {
	arch, err := ParseArchitecture(runtime.GOARCH)
	if err != nil {
		arch = ArchitectureX86_64
	}
	return Target{Arch: arch}
}

// Target describes the machine the output image is generated for.
type Target struct {
	Arch Architecture
}

func (t Target) String() string {
	return string(t.Arch)
}

func (t Target) PointerSize() int {
	return 8
}

// MinimumFunctionAlignment is the alignment every method body is placed at.
func (t Target) MinimumFunctionAlignment() int {
	switch t.Arch {
	case ArchitectureX86_64:
		return 16
	default:
		return 4
	}
}

// TrapInstruction returns the encoding of the breakpoint instruction used as
// the body of methods that could not be compiled. On x86_64 this is the
// single byte int3.
func (t Target) TrapInstruction() []byte {
	switch t.Arch {
	case ArchitectureARM64:
		// brk #0
		return []byte{0x00, 0x00, 0x20, 0xd4}
	case ArchitectureRISCV64:
		// ebreak
		return []byte{0x73, 0x00, 0x10, 0x00}
	default:
		return []byte{0xcc}
	}
}

func (t Target) ELFMachine() elf.Machine {
	switch t.Arch {
	case ArchitectureARM64:
		return elf.EM_AARCH64
	case ArchitectureRISCV64:
		return elf.EM_RISCV
	default:
		return elf.EM_X86_64
	}
}
