package objwriter

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/aot/internal/asm"
)

const (
	elfHeaderSize        = 64
	elfProgramHeaderSize = 56
)

var defaultImageConfig = ImageConfig{
	BaseAddress:      0x401000,
	SegmentOffset:    0x1000,
	SegmentAlignment: 0x1000,
	SegmentFlags:     elf.PF_R | elf.PF_W | elf.PF_X,
}

// ImageConfig controls where the linked image is loaded.
type ImageConfig struct {
	// BaseAddress is the virtual address of the first byte of the image.
	// Absolute relocations are resolved against it.
	BaseAddress uint64
	// SegmentOffset is the file offset where the loadable segment begins. It
	// must be aligned to SegmentAlignment and leave room for the headers.
	SegmentOffset    uint64
	SegmentAlignment uint64
	// SegmentFlags defaults to RWX since data and code share one segment.
	SegmentFlags elf.ProgFlag
}

func DefaultImageConfig() ImageConfig {
	return defaultImageConfig
}

func (cfg ImageConfig) withDefaults() ImageConfig {
	defaults := DefaultImageConfig()
	if cfg.BaseAddress == 0 {
		cfg.BaseAddress = defaults.BaseAddress
	}
	if cfg.SegmentOffset == 0 {
		cfg.SegmentOffset = defaults.SegmentOffset
	}
	if cfg.SegmentAlignment == 0 {
		cfg.SegmentAlignment = defaults.SegmentAlignment
	}
	if cfg.SegmentFlags == 0 {
		cfg.SegmentFlags = defaults.SegmentFlags
	}
	return cfg
}

func (cfg ImageConfig) validate() error {
	headerSize := uint64(elfHeaderSize + elfProgramHeaderSize)
	if cfg.SegmentOffset < headerSize {
		return fmt.Errorf("segment offset %#x too small for ELF headers (%#x)", cfg.SegmentOffset, headerSize)
	}
	if cfg.SegmentAlignment == 0 || cfg.SegmentAlignment&(cfg.SegmentAlignment-1) != 0 {
		return fmt.Errorf("segment alignment %#x is not a power of two", cfg.SegmentAlignment)
	}
	if cfg.SegmentOffset%cfg.SegmentAlignment != 0 {
		return fmt.Errorf("segment offset %#x must be aligned to %#x", cfg.SegmentOffset, cfg.SegmentAlignment)
	}
	if cfg.BaseAddress < cfg.SegmentOffset {
		return fmt.Errorf("base address %#x must be >= segment offset %#x", cfg.BaseAddress, cfg.SegmentOffset)
	}
	if (cfg.BaseAddress-cfg.SegmentOffset)%cfg.SegmentAlignment != 0 {
		return fmt.Errorf("base address %#x must satisfy alignment relative to offset %#x (align %#x)", cfg.BaseAddress, cfg.SegmentOffset, cfg.SegmentAlignment)
	}
	if cfg.SegmentOffset > uint64(maxInt) {
		return fmt.Errorf("segment offset %#x exceeds platform limits", cfg.SegmentOffset)
	}
	return nil
}

// Image is a linked program ready to be wrapped in an executable.
type Image struct {
	Program asm.Program
	// Entry is the image offset of the entry point.
	Entry   int
	Machine elf.Machine
}

// ELF emits img as a standalone executable with a single loadable segment.
func (img Image) ELF(cfg ImageConfig) ([]byte, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	code, err := img.Program.Rebase(cfg.BaseAddress)
	if err != nil {
		return nil, err
	}
	if img.Entry < 0 || img.Entry > len(code) {
		return nil, fmt.Errorf("entry offset %#x outside image (%#x bytes)", img.Entry, len(code))
	}
	size := uint64(len(code))

	prefix := make([]byte, int(cfg.SegmentOffset))
	fillELFHeader(prefix[:elfHeaderSize], img.Machine, cfg.BaseAddress+uint64(img.Entry))
	fillProgramHeader(prefix[elfHeaderSize:elfHeaderSize+elfProgramHeaderSize], cfg, size)

	return append(prefix, code...), nil
}

func fillELFHeader(buf []byte, machine elf.Machine, entry uint64) {
	for idx := range buf {
		buf[idx] = 0
	}
	buf[0] = 0x7f
	buf[1] = 'E'
	buf[2] = 'L'
	buf[3] = 'F'
	buf[4] = 2 // 64-bit
	buf[5] = 1 // little-endian
	buf[6] = 1 // current version

	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(buf[18:], uint16(machine))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(buf[24:], entry)
	binary.LittleEndian.PutUint64(buf[32:], uint64(elfHeaderSize))
	binary.LittleEndian.PutUint64(buf[40:], 0) // no section table
	binary.LittleEndian.PutUint32(buf[48:], 0)
	binary.LittleEndian.PutUint16(buf[52:], uint16(elfHeaderSize))
	binary.LittleEndian.PutUint16(buf[54:], uint16(elfProgramHeaderSize))
	binary.LittleEndian.PutUint16(buf[56:], 1)
}

// The segment has no zero-fill tail, so file and memory sizes match.
func fillProgramHeader(buf []byte, cfg ImageConfig, size uint64) {
	for idx := range buf {
		buf[idx] = 0
	}
	binary.LittleEndian.PutUint32(buf[0:], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(buf[4:], uint32(cfg.SegmentFlags))
	binary.LittleEndian.PutUint64(buf[8:], cfg.SegmentOffset)
	binary.LittleEndian.PutUint64(buf[16:], cfg.BaseAddress)
	binary.LittleEndian.PutUint64(buf[24:], cfg.BaseAddress)
	binary.LittleEndian.PutUint64(buf[32:], size)
	binary.LittleEndian.PutUint64(buf[40:], size)
	binary.LittleEndian.PutUint64(buf[48:], cfg.SegmentAlignment)
}

func init() {
	if err := defaultImageConfig.validate(); err != nil {
		panic(err)
	}
}

const maxInt = int(^uint(0) >> 1)
