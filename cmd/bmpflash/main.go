// Command bmpflash connects to a Black Magic Probe, loads a firmware image,
// and programs, verifies, erases, or inspects the target's Flash — the
// thin CLI wiring around the probe/script/loader/flash packages.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/blackmagic-tools/bmpflash/flash"
	"github.com/blackmagic-tools/bmpflash/loader"
	"github.com/blackmagic-tools/bmpflash/probe"
	"github.com/blackmagic-tools/bmpflash/status"
)

func main() {
	cfg := ParseFlags()

	session := probe.NewSession()
	session.Bus.SetHandler(statusPrinter)

	if err := session.Connect(probe.ConnectOptions{ProbeIndex: cfg.ProbeIndex, IP: cfg.IP, Baud: cfg.Baud}); err != nil {
		fatalf("connect: %v", err)
	}
	defer session.Disconnect()

	if cfg.ConnectWithReset {
		session.Monitor("connect enable")
	} else {
		session.Monitor("connect disable")
	}

	if err := session.Attach(probe.AttachOptions{AutoPower: cfg.AutoPower}); err != nil {
		fatalf("attach: %v", err)
	}
	defer session.Detach(false)

	if cfg.MCUOverride != "" {
		session.SetDriverName(cfg.MCUOverride)
	}

	switch {
	case cfg.Monitor != "":
		if !session.Monitor(cfg.Monitor) {
			fatalf("monitor %q failed", cfg.Monitor)
		}
	case cfg.FullErase:
		runFullErase(session)
	case cfg.BlankCheck:
		runBlankCheck(session)
	case cfg.DumpPath != "":
		runDump(session, cfg)
	case cfg.Trace:
		runTrace(session, cfg)
	case cfg.File != "":
		runProgram(session, cfg)
	default:
		fmt.Fprintln(os.Stderr, "nothing to do: pass -file, -full-erase, -blank-check, -dump, -trace, or -monitor")
		os.Exit(2)
	}
}

func statusPrinter(code status.Code, msg string) int {
	switch {
	case code < 0:
		fmt.Fprintf(os.Stderr, "error: %s\n", msg)
	case code == status.Success:
		fmt.Fprintf(os.Stderr, "ok: %s\n", msg)
	default:
		fmt.Fprintf(os.Stderr, "%s\n", msg)
	}
	return 0
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "bmpflash: "+format+"\n", args...)
	os.Exit(1)
}

func runProgram(session *probe.Session, cfg *Config) {
	data, err := os.ReadFile(cfg.File)
	if err != nil {
		fatalf("read %s: %v", cfg.File, err)
	}
	f, err := loader.Detect(data, session.Bus)
	if err != nil {
		fatalf("parse %s: %v", cfg.File, err)
	}

	if cfg.CRPLevel >= 0 {
		if err := f.SetCRP(loader.CRPLevel(cfg.CRPLevel)); err != nil {
			fatalf("crp: %v", err)
		}
	}

	p := mpb.New(mpb.WithWidth(80))
	bar := p.AddBar(1,
		mpb.PrependDecorators(decor.Name("programming: ")),
		mpb.AppendDecorators(decor.Percentage(decor.WCSyncSpace)),
	)

	done := make(chan error, 1)
	go func() { done <- flash.Download(session, f) }()
	watchProgress(session, bar, done)

	if err := <-done; err != nil {
		fatalf("download: %v", err)
	}

	if cfg.Verify {
		if err := flash.Verify(session, f); err != nil {
			fatalf("verify: %v", err)
		}
		session.Bus.Post(status.Success, "verify ok")
	}
}

// watchProgress polls session's (step, range) counters while done hasn't
// fired, updating bar to match. flash.Download reports whole-operation
// totals up front via ProgressReset, so the bar's total is resized once
// the first nonzero range appears.
func watchProgress(session *probe.Session, bar *mpb.Bar, done <-chan error) {
	sized := false
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			step, rng := session.ProgressGet()
			if rng > 0 {
				bar.SetCurrent(int64(rng))
				_ = step
			}
			return
		case <-ticker.C:
			step, rng := session.ProgressGet()
			if rng > 0 {
				if !sized {
					bar.SetTotal(int64(rng), false)
					sized = true
				}
				bar.SetCurrent(int64(step))
			}
		}
	}
}

func runFullErase(session *probe.Session) {
	size := regionsTotalSize(session)
	if err := flash.FullErase(session, size); err != nil {
		fatalf("full-erase: %v", err)
	}
	session.Bus.Post(status.Success, "full erase complete")
}

func runBlankCheck(session *probe.Session) {
	size := regionsTotalSize(session)
	blank, err := flash.BlankCheck(session, size)
	if err != nil {
		fatalf("blank-check: %v", err)
	}
	if blank {
		session.Bus.Post(status.Success, "flash is blank")
	} else {
		fmt.Println("flash is NOT blank")
		os.Exit(1)
	}
}

func runDump(session *probe.Session, cfg *Config) {
	// flash.DumpFlash clips at an absolute end address, so -dump-size (a byte
	// count) is measured from the lowest region's base.
	size := regionsTotalSize(session)
	if cfg.DumpSize > 0 {
		if regions := session.Regions(); len(regions) > 0 {
			size = regions[0].Base + uint32(cfg.DumpSize)
		}
	}
	if err := flash.DumpFlash(session, cfg.DumpPath, size); err != nil {
		fatalf("dump: %v", err)
	}
	session.Bus.Post(status.Success, "dumped to "+cfg.DumpPath)
}

func runTrace(session *probe.Session, cfg *Config) {
	ep, err := flash.EnableTrace(session, cfg.TraceBitrate)
	if err != nil {
		fatalf("trace: %v", err)
	}
	fmt.Printf("trace enabled on endpoint %#x\n", ep)
}

func regionsTotalSize(session *probe.Session) uint32 {
	var total uint32
	for _, r := range session.Regions() {
		if r.End() > total {
			total = r.End()
		}
	}
	return total
}
