package asm

import (
	"encoding/binary"
	"fmt"
)

// Program is a linked image placed at address zero. Every absolute 64-bit
// pointer in it is listed in pointerSites so the image can be moved to its
// load address.
type Program struct {
	image        []byte
	pointerSites []int
}

func NewProgram(image []byte, pointerSites []int) Program {
	return Program{
		image:        append([]byte(nil), image...),
		pointerSites: append([]int(nil), pointerSites...),
	}
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.image...)
}

func (p Program) PointerSites() []int {
	return append([]int(nil), p.pointerSites...)
}

// Rebase returns a copy of the image loaded at base. The program itself is
// left unchanged.
func (p Program) Rebase(base uint64) ([]byte, error) {
	out := p.Bytes()
	for _, site := range p.pointerSites {
		if site < 0 || site+8 > len(out) {
			return nil, fmt.Errorf("pointer site %#x outside image (%#x bytes)", site, len(out))
		}
		val := binary.LittleEndian.Uint64(out[site:])
		binary.LittleEndian.PutUint64(out[site:], val+base)
	}
	return out, nil
}
