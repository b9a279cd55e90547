// Package flash implements the per-region Flash programming pipeline:
// erase, packet-size-aware chunked write, verify, full-erase, blank-check,
// and dump-to-file (spec.md §4.6). It is grounded on gentam-gice/flash.go's
// SPI NOR-flash erase/write/busy-poll shape, adapted from a byte-oriented
// SPI transaction to BMP's vFlash* RSP commands.
package flash

import (
	"fmt"
	"strings"
	"time"

	"github.com/blackmagic-tools/bmpflash/loader"
	"github.com/blackmagic-tools/bmpflash/probe"
	"github.com/blackmagic-tools/bmpflash/rsp"
)

const (
	eraseTimeout = 5 * time.Second
	doneTimeout  = 3 * time.Second
	crcTimeout   = 3 * time.Second
)

// Progress mirrors probe.Session's (step, range) counters, re-exported here
// so callers of this package don't need to import probe just to read them.
type Progress = probe.Progress

// Download programs every section of f that falls inside one of session's
// Flash regions: erase the region's covered extent, write each section in
// packet-size-bounded 16-byte-aligned blocks, then vFlashDone (spec.md
// §4.6). session.Regions() and a loaded file are both required
// preconditions.
func Download(session *probe.Session, f *loader.File) error {
	regions := session.Regions()
	if len(regions) == 0 {
		return fmt.Errorf("flash: no regions known (attach before downloading)")
	}
	sections := f.Sections()
	if len(sections) == 0 {
		return fmt.Errorf("flash: no sections loaded")
	}

	totalBytes := 0
	for _, sec := range sections {
		totalBytes += len(sec.Data)
	}
	session.ProgressReset(len(regions) + totalBytes)

	for _, region := range regions {
		topAddr, covered := regionTopAddress(region, sections)
		if !covered {
			continue
		}

		if err := eraseRegion(session, region, topAddr); err != nil {
			return err
		}
		session.ProgressStep(1)

		for _, sec := range sections {
			if !sectionInRegion(sec, region) {
				continue
			}
			if err := writeSection(session, sec); err != nil {
				return err
			}
		}

		if reply, err := session.Request([]byte("vFlashDone"), doneTimeout); err != nil || reply != "OK" {
			if err == nil {
				err = fmt.Errorf("vFlashDone rejected: %s", reply)
			}
			return fmt.Errorf("flash: %w", err)
		}
	}
	return nil
}

// regionTopAddress scans sections for the highest address that falls
// within region, returning (top, false) if none do.
func regionTopAddress(region probe.Region, sections []loader.Section) (uint32, bool) {
	top := region.Base
	covered := false
	for _, sec := range sections {
		if !sectionInRegion(sec, region) {
			continue
		}
		covered = true
		if sec.End() > top {
			top = sec.End()
		}
	}
	return top, covered
}

func sectionInRegion(sec loader.Section, region probe.Region) bool {
	return sec.Address >= region.Base && sec.Address < region.End()
}

// eraseRegion issues vFlashErase covering every sector touched by topAddr.
func eraseRegion(session *probe.Session, region probe.Region, topAddr uint32) error {
	if region.BlockSize == 0 {
		return fmt.Errorf("flash: region at %#x has a zero block size", region.Base)
	}
	sectors := ceilDiv(topAddr-region.Base, region.BlockSize)
	length := sectors * region.BlockSize

	req := fmt.Sprintf("vFlashErase:%x,%x", region.Base, length)
	reply, err := session.Request([]byte(req), eraseTimeout)
	if err != nil {
		return fmt.Errorf("flash: erase %#x: %w", region.Base, err)
	}
	if reply != "OK" {
		return fmt.Errorf("flash: erase %#x rejected: %s", region.Base, reply)
	}
	return nil
}

func ceilDiv(a, b uint32) uint32 {
	return (a + b - 1) / b
}

// writeSection breaks sec into packet-size-bounded, 16-byte-aligned blocks
// and emits one vFlashWrite per block.
func writeSection(session *probe.Session, sec loader.Section) error {
	maxLen := maxBlockLen(session.PacketSize(), sec.Address)
	if maxLen == 0 {
		return fmt.Errorf("flash: packet size %d too small for any block", session.PacketSize())
	}

	offset := 0
	for offset < len(sec.Data) {
		blockLen := maxLen
		if blockLen > len(sec.Data)-offset {
			blockLen = roundDown16(len(sec.Data) - offset)
			if blockLen == 0 {
				blockLen = len(sec.Data) - offset
			}
		}
		block := sec.Data[offset : offset+blockLen]
		for fitBlock(session.PacketSize(), sec.Address+uint32(offset), block) == false && len(block) > 16 {
			blockLen -= 16
			block = sec.Data[offset : offset+blockLen]
		}

		req := append([]byte(fmt.Sprintf("vFlashWrite:%x:", sec.Address+uint32(offset))), block...)
		reply, err := session.Request(req, eraseTimeout)
		if err != nil {
			return fmt.Errorf("flash: write %#x: %w", sec.Address+uint32(offset), err)
		}
		if reply != "OK" {
			return fmt.Errorf("flash: write %#x rejected: %s", sec.Address+uint32(offset), reply)
		}
		session.ProgressStep(len(block))
		offset += len(block)
	}
	return nil
}

// maxBlockLen computes "(PacketSize - prefix_len) & ~0x0F" for the given
// address, where prefix_len is len("vFlashWrite:<addr>:") plus 4 (the
// framing overhead: '$', '#', two checksum hex digits).
func maxBlockLen(packetSize int, addr uint32) int {
	prefix := len(fmt.Sprintf("vFlashWrite:%x:", addr)) + 4
	n := packetSize - prefix
	return roundDown16(n)
}

func roundDown16(n int) int {
	if n < 0 {
		return 0
	}
	return n &^ 0x0F
}

// fitBlock reports whether block, once escaped for the wire, still fits in
// packetSize bytes at the given address's vFlashWrite prefix.
func fitBlock(packetSize int, addr uint32, block []byte) bool {
	prefix := len(fmt.Sprintf("vFlashWrite:%x:", addr)) + 4
	escapes := rsp.CountEscapes(block)
	return prefix+len(block)+escapes <= packetSize
}

// Verify computes a CRC-32 (IEEE, seeded 0xFFFFFFFF — the polynomial/table
// GDB itself uses) of every section wholly inside a Flash region and
// compares it against the probe's own qCRC reply.
func Verify(session *probe.Session, f *loader.File) error {
	regions := session.Regions()
	for _, sec := range f.Sections() {
		if !whollyInsideAnyRegion(sec, regions) {
			continue
		}
		want := crc32IEEE(sec.Data)

		req := fmt.Sprintf("qCRC:%x,%x", sec.Address, len(sec.Data))
		reply, err := session.Request([]byte(req), crcTimeout)
		if err != nil {
			return fmt.Errorf("flash: verify %#x: %w", sec.Address, err)
		}
		if !strings.HasPrefix(reply, "C") {
			return fmt.Errorf("flash: verify %#x: unexpected qCRC reply %q", sec.Address, reply)
		}
		got, err := parseHexUint32(reply[1:])
		if err != nil {
			return fmt.Errorf("flash: verify %#x: %w", sec.Address, err)
		}
		if got != want {
			return fmt.Errorf("flash: verify %#x: crc mismatch (probe %#x, want %#x)", sec.Address, got, want)
		}
	}
	return nil
}

func whollyInsideAnyRegion(sec loader.Section, regions []probe.Region) bool {
	for _, r := range regions {
		if sec.Address >= r.Base && sec.End() <= r.End() {
			return true
		}
	}
	return false
}

func parseHexUint32(s string) (uint32, error) {
	var v uint32
	if _, err := fmt.Sscanf(s, "%x", &v); err != nil {
		return 0, err
	}
	return v, nil
}
