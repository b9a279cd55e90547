package script

// register is one static symbol-table entry: an absolute address and the
// access width (in bytes) script.Run uses for its m/X RSP traffic.
type register struct {
	Addr  uint32
	Width int
}

// registers is the static register-symbol table spec.md §4.4 requires,
// supplemented (per SPEC_FULL.md) with entries for the families
// original_source's scripting config names most often: STM32F1/F4,
// LPC17xx/43xx, and SAM3/4. script.Run resolves register names through
// Lookup; loader's NXP helpers do not use this table.
var registers = map[string]register{
	// STM32F1
	"RCC_APB2ENR": {Addr: 0x40021018, Width: 4},
	"RCC_APB1ENR": {Addr: 0x4002101C, Width: 4},
	"AFIO_MAPR":   {Addr: 0x40010004, Width: 4},
	"FLASH_ACR":   {Addr: 0x40022000, Width: 4},

	// STM32F4
	"RCC_AHB1ENR": {Addr: 0x40023830, Width: 4},
	"DBGMCU_CR":   {Addr: 0xE0042004, Width: 4},
	"SCS_DEMCR":   {Addr: 0xE000EDFC, Width: 4},
	"TPIU_SPPR":   {Addr: 0xE00400F0, Width: 4},
	"TPIU_ACPR":   {Addr: 0xE0040010, Width: 4},
	"TPIU_FFCR":   {Addr: 0xE0040304, Width: 4},
	"ITM_TCR":     {Addr: 0xE0000E80, Width: 4},
	"ITM_TER":     {Addr: 0xE0000E00, Width: 4},

	// LPC17xx
	"LPC17_MEMMAP": {Addr: 0x40048000, Width: 4},
	"LPC17_PCONP":  {Addr: 0x400FC0C4, Width: 4},

	// LPC43xx
	"LPC43_M4MEMMAP": {Addr: 0x40043100, Width: 4},
	"LPC43_CREG_CLK": {Addr: 0x40043004, Width: 4},

	// SAM3
	"SAM3_EEFC_FMR": {Addr: 0x400E0A00, Width: 4},
	"SAM3_WDT_MR":   {Addr: 0x400E1A54, Width: 4},

	// SAM4
	"SAM4_EFC_FMR": {Addr: 0x400E0C00, Width: 4},
	"SAM4_WDT_MR":  {Addr: 0x400E1854, Width: 4},
}

// Lookup resolves a register name to its (address, width). Names are
// case-sensitive, matching the identifiers scripts are written with.
func Lookup(name string) (addr uint32, width int, ok bool) {
	r, ok := registers[name]
	return r.Addr, r.Width, ok
}
