package probe

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/blackmagic-tools/bmpflash/status"
)

// AttachOptions controls how Attach brings up the target.
type AttachOptions struct {
	// AutoPower enables TPWR and rescans once when the first swdp_scan
	// senses a target voltage below 0.1V; power then stays enabled (it is
	// dropped again only by Detach(powerDown=true)).
	AutoPower bool
}

// Attach runs "swdp_scan" to find and identify the target, issues
// "vAttach;1", and fetches+parses the memory map into Regions (spec.md
// §4.3). It must be called on an already-Connected session.
func (s *Session) Attach(opts AttachOptions) error {
	if !s.IsOpen() {
		return s.Bus.Error(status.ErrAttachFailed, "attach: no transport connected")
	}

	family, arch, voltage, hasVoltage, err := s.scanTarget()
	if err != nil {
		return s.Bus.Error(status.ErrAttachFailed, "swdp_scan: "+err.Error())
	}
	// spec.md §4.3: only drive TPWR, and only rescan once, when autopower is
	// requested and the sensed target voltage reads below 0.1V.
	if opts.AutoPower && hasVoltage && voltage < 0.1 {
		s.Monitor("tpwr enable")
		time.Sleep(100 * time.Millisecond)
		family, arch, voltage, hasVoltage, err = s.scanTarget()
		if err != nil {
			return s.Bus.Error(status.ErrAttachFailed, "swdp_scan (after tpwr enable): "+err.Error())
		}
	}
	if family == "" {
		return s.Bus.Error(status.ErrNoDetect, "swdp_scan found no target")
	}
	s.driverName = family
	s.architecture = arch

	reply, err := s.request([]byte("vAttach;1"), defaultReplyWait)
	if err != nil {
		return s.Bus.Error(status.ErrAttachFailed, "vAttach;1: "+err.Error())
	}
	// A successful vAttach reply is a stop reply (T05/S05, occasionally
	// OK), not an error string; only an explicit "E"-prefixed reply is a
	// hard failure.
	if strings.HasPrefix(reply, "E") {
		return s.Bus.Error(status.ErrAttachFailed, "vAttach;1 rejected: "+reply)
	}

	regions, err := s.fetchMemoryMap()
	if err != nil {
		return s.Bus.Error(status.ErrAttachFailed, "memory-map: "+err.Error())
	}
	if overlaps(regions) {
		s.Bus.Post(status.Notice, "memory-map contains overlapping flash regions")
	}
	s.regions = regions

	return nil
}

// scanTarget sends "qRcmd,swdp_scan" and parses the streamed O-record lines
// for the target voltage and the MCU family name, returning (family, arch,
// voltage, hasVoltage). The architecture is whatever trailing
// "M0"/"M3"/"M4"/"M7"-style token swdp_scan appends to the family name,
// split off the way script.Find expects to receive it separately.
func (s *Session) scanTarget() (family, arch string, voltage float64, hasVoltage bool, err error) {
	reply, err := s.requestCollecting(monitorRequest("swdp_scan"), defaultReplyWait, func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		s.Bus.Post(status.Notice, line)
		if v, ok := parseVoltage(line); ok {
			voltage, hasVoltage = v, true
			return
		}
		if family == "" {
			if fam, a, ok := splitFamilyArch(line); ok {
				family, arch = fam, a
			}
		}
	})
	if err != nil {
		return "", "", 0, false, err
	}
	if reply != "OK" {
		return "", "", 0, false, fmt.Errorf("swdp_scan failed: %s", reply)
	}
	return family, arch, voltage, hasVoltage, nil
}

// parseVoltage reports whether line is of the form "N.NV" as swdp_scan
// prints for the sensed target supply, and if so its value.
func parseVoltage(line string) (float64, bool) {
	idx := strings.IndexByte(line, 'V')
	if idx <= 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(line[:idx]), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// splitFamilyArch recognizes swdp_scan's numbered target line, "1: STM32F4xx
// M4" (spec.md §4.3: "a numbered '1: <family> Mx' line"), and splits off the
// trailing Mx architecture tag: the last whitespace-separated token past the
// "N:" prefix is the architecture tag if it matches a known Cortex-M
// suffix, otherwise the whole remainder is the family name with no
// architecture tag. ok is false for any line that isn't a numbered target
// entry at all (so scanTarget's caller can skip it without misidentifying
// unrelated O-record chatter as a target line).
func splitFamilyArch(line string) (family, arch string, ok bool) {
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return "", "", false
	}
	if !isAllDigits(line[:idx]) {
		return "", "", false
	}
	rest := strings.Fields(line[idx+1:])
	if len(rest) == 0 {
		return "", "", false
	}
	last := rest[len(rest)-1]
	if isCortexTag(last) && len(rest) > 1 {
		return strings.Join(rest[:len(rest)-1], " "), last, true
	}
	return strings.Join(rest, " "), "", true
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isCortexTag(s string) bool {
	switch s {
	case "M0", "M0+", "M3", "M4", "M7":
		return true
	}
	return false
}

// fetchMemoryMap issues qXfer:memory-map:read:: requests, paging through
// the "m"(more)/"l"(last) chunk markers, and parses the assembled XML.
func (s *Session) fetchMemoryMap() ([]Region, error) {
	const chunk = 0x400
	var doc []byte
	offset := 0
	for {
		req := fmt.Sprintf("qXfer:memory-map:read::%x,%x", offset, chunk)
		reply, err := s.request([]byte(req), defaultReplyWait)
		if err != nil {
			return nil, err
		}
		if reply == "" {
			return nil, fmt.Errorf("empty qXfer reply")
		}
		marker, data := reply[0], reply[1:]
		doc = append(doc, data...)
		if marker == 'l' {
			break
		}
		if marker != 'm' {
			return nil, fmt.Errorf("unexpected qXfer marker %q", marker)
		}
		offset += len(data)
	}
	return parseMemoryMap(doc)
}
