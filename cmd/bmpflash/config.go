package main

import (
	"flag"
	"log"

	"github.com/joho/godotenv"
)

// Config holds the resolved command-line configuration for one bmpflash
// invocation (spec.md §9: "one process, one session, one file").
type Config struct {
	ProbeIndex int
	IP         string
	Baud       int

	File string

	Erase      bool
	Verify     bool
	FullErase  bool
	BlankCheck bool
	DumpPath   string
	DumpSize   int

	Trace        bool
	TraceBitrate int

	Monitor string

	AutoPower        bool
	ConnectWithReset bool
	MCUOverride      string
	CRPLevel         int
}

// loadEnv loads a .env file if one is present; otherwise it logs one line
// and continues (a .env file is optional, not required).
func loadEnv() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using flags/environment only")
	}
}

// ParseFlags loads .env, then parses command-line flags into a Config.
func ParseFlags() *Config {
	loadEnv()

	cfg := &Config{}
	flag.IntVar(&cfg.ProbeIndex, "probe", 0, "index of the enumerated serial probe to use")
	flag.StringVar(&cfg.IP, "ip", "", "connect over TCP to this BMP Wi-Fi probe address instead of serial")
	flag.IntVar(&cfg.Baud, "baud", 115200, "serial baud rate")

	flag.StringVar(&cfg.File, "file", "", "ELF/Intel-HEX/BIN firmware image to program")

	flag.BoolVar(&cfg.Erase, "erase", false, "has no effect: -file alone erases and programs the target")
	flag.BoolVar(&cfg.Verify, "verify", true, "verify by CRC-32 after programming")
	flag.BoolVar(&cfg.FullErase, "full-erase", false, "erase every known Flash region and exit")
	flag.BoolVar(&cfg.BlankCheck, "blank-check", false, "report whether Flash is entirely 0xFF and exit")
	flag.StringVar(&cfg.DumpPath, "dump", "", "read Flash out to this file and exit")
	flag.IntVar(&cfg.DumpSize, "dump-size", 0, "bytes to dump, 0 meaning every known region")

	flag.BoolVar(&cfg.Trace, "trace", false, "enable SWO trace capture")
	flag.IntVar(&cfg.TraceBitrate, "trace-bitrate", 0, "async SWO bitrate, 0 for the probe's default")

	flag.StringVar(&cfg.Monitor, "monitor", "", "run one monitor command and exit")

	flag.BoolVar(&cfg.AutoPower, "autopower", true, "drive probe TPWR on if 0V is sensed during attach")
	flag.BoolVar(&cfg.ConnectWithReset, "connect-with-reset", false, "hold the target in reset across connect (monitor connect enable/disable)")
	flag.StringVar(&cfg.MCUOverride, "mcu", "", "force this MCU family name instead of detecting it via swdp_scan")
	flag.IntVar(&cfg.CRPLevel, "crp", -1, "patch -file's CRP word to this level (1,2,3,4,9) before programming; -1 leaves it untouched")

	flag.Parse()
	return cfg
}
