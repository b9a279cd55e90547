package script

// Builtin is the host's default script table (spec.md §8 scenario 5:
// "Script swo-device for STM32F4 resolves to the 6-line register program
// starting at RCC_AHB1ENR |= 0x02").
var Builtin = mustBuildTable()

func mustBuildTable() Table {
	specs := []struct{ name, mcus, body string }{
		{
			name: "swo-device",
			mcus: "STM32F4xx Cortex-M4, STM32F7xx Cortex-M7",
			body: `
				# Enable GPIOB clock (SWO is muxed on PB3 on most F4 boards)
				RCC_AHB1ENR |= 0x02
				# Route the async trace output through the TPIU
				DBGMCU_CR |= 0x27
				# Enable the trace pipeline in the debug exception/monitor control register
				SCS_DEMCR |= 0x01000000
				# Formatter off, plain UART-style framing
				TPIU_FFCR = 0x00000000
				# NRZ (UART) async trace encoding
				TPIU_SPPR = 0x00000002
				# Trace clock prescaler, yields the caller-selected bit rate ($0)
				TPIU_ACPR = $0
			`,
		},
		{
			name: "remap",
			mcus: "STM32F1xx Cortex-M3, STM32F3xx Cortex-M4",
			body: `
				# Remap the boot-time alias so the debugger sees Flash at 0x0
				AFIO_MAPR |= 0x02000000
			`,
		},
		{
			name: "remap",
			mcus: "LPC17xx Cortex-M3",
			body: `
				# LPC17xx: select Flash as the memory visible at address 0
				LPC17_MEMMAP = 0x00000002
			`,
		},
		{
			name: "remap",
			mcus: "LPC43xx Cortex-M4",
			body: `
				LPC43_M4MEMMAP = 0x00000000
			`,
		},
	}

	var t Table
	for _, s := range specs {
		sc, err := Parse(s.name, s.mcus, s.body)
		if err != nil {
			// Built-in scripts are fixed at compile time; a parse failure here
			// is a programming error, not a runtime condition callers handle.
			panic(err)
		}
		t = append(t, sc)
	}
	return t
}
