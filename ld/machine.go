package ld

import "debug/elf"

type relClass int

const (
	relUnknown relClass = iota
	relNone
	relAbs32
	relPC32
	relCopy
	relGlobDat
	relJmpSlot
	relRelative
)

func (class relClass) String() string {
	switch class {
	case relNone:
		return "NONE"
	case relAbs32:
		return "ABS32"
	case relPC32:
		return "PC32"
	case relCopy:
		return "COPY"
	case relGlobDat:
		return "GLOB_DAT"
	case relJmpSlot:
		return "JMP_SLOT"
	case relRelative:
		return "RELATIVE"
	default:
		return "unknown"
	}
}

type machine struct {
	name    string
	classes map[uint32]relClass
}

func (m *machine) class(typ uint32) relClass {
	return m.classes[typ]
}

var machines = map[elf.Machine]*machine{
	elf.EM_386: {
		name: "i386",
		classes: map[uint32]relClass{
			uint32(elf.R_386_NONE):     relNone,
			uint32(elf.R_386_32):       relAbs32,
			uint32(elf.R_386_PC32):     relPC32,
			uint32(elf.R_386_COPY):     relCopy,
			uint32(elf.R_386_GLOB_DAT): relGlobDat,
			uint32(elf.R_386_JMP_SLOT): relJmpSlot,
			uint32(elf.R_386_RELATIVE): relRelative,
		},
	},
	elf.EM_ARM: {
		name: "arm",
		classes: map[uint32]relClass{
			uint32(elf.R_ARM_NONE):      relNone,
			uint32(elf.R_ARM_ABS32):     relAbs32,
			uint32(elf.R_ARM_REL32):     relPC32,
			uint32(elf.R_ARM_COPY):      relCopy,
			uint32(elf.R_ARM_GLOB_DAT):  relGlobDat,
			uint32(elf.R_ARM_JUMP_SLOT): relJmpSlot,
			uint32(elf.R_ARM_RELATIVE):  relRelative,
		},
	},
}

// SupportedMachine reports whether m has a relocation table.
func SupportedMachine(m elf.Machine) bool {
	_, ok := machines[m]
	return ok
}
