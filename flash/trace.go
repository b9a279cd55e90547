package flash

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/blackmagic-tools/bmpflash/probe"
)

const traceEnableTries = 3

// EnableTrace issues "monitor traceswo [bitrate]" up to three times and
// parses the probe's endpoint out of either reply form it may use: the
// legacy "<serial>:<if>:<ep>" line, or the newer "Trace enabled ... USB EP
// <ep>" sentence — in which case bit 0x80 is set on the returned endpoint
// to mark it as the new-style response (spec.md §4.6's enable_trace).
func EnableTrace(session *probe.Session, asyncBitrate int) (byte, error) {
	cmd := "traceswo"
	if asyncBitrate > 0 {
		cmd = fmt.Sprintf("traceswo %d", asyncBitrate)
	}

	var lastErr error
	for attempt := 0; attempt < traceEnableTries; attempt++ {
		var lines []string
		if _, err := session.MonitorCollect(cmd, func(line string) {
			lines = append(lines, line)
		}); err != nil {
			lastErr = err
			continue
		}

		if ep, ok := parseLegacyEndpoint(lines); ok {
			return ep, nil
		}
		if ep, ok := parseNewEndpoint(lines); ok {
			return ep | 0x80, nil
		}
		lastErr = fmt.Errorf("flash: traceswo reply did not contain a recognizable endpoint: %v", lines)
	}
	return 0, lastErr
}

// parseLegacyEndpoint looks for a "<serial>:<iface>:<ep>" line.
func parseLegacyEndpoint(lines []string) (byte, bool) {
	for _, line := range lines {
		parts := strings.Split(strings.TrimSpace(line), ":")
		if len(parts) != 3 {
			continue
		}
		n, err := strconv.ParseUint(parts[2], 16, 8)
		if err != nil {
			continue
		}
		return byte(n), true
	}
	return 0, false
}

// parseNewEndpoint looks for "Trace enabled ... USB EP <ep>".
func parseNewEndpoint(lines []string) (byte, bool) {
	for _, line := range lines {
		idx := strings.Index(line, "USB EP")
		if idx < 0 {
			continue
		}
		fields := strings.Fields(line[idx:])
		if len(fields) < 3 {
			continue
		}
		n, err := strconv.ParseUint(fields[2], 16, 8)
		if err != nil {
			continue
		}
		return byte(n), true
	}
	return 0, false
}
