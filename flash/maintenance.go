package flash

import (
	"fmt"
	"os"

	"github.com/blackmagic-tools/bmpflash/probe"
)

const blankCheckChunk = 512

// FullErase erases every known region, clipped at the absolute end address
// flashSize (regions starting at or above it are skipped), halving the erase extent and retrying on failure until the remaining
// extent drops below 1 KiB (spec.md §4.6's full_erase).
func FullErase(session *probe.Session, flashSize uint32) error {
	regions := session.Regions()
	if len(regions) == 0 {
		return fmt.Errorf("flash: no regions known (attach before erasing)")
	}

	for _, region := range regions {
		extent := region.Size
		if region.Base+extent > flashSize {
			if flashSize <= region.Base {
				continue
			}
			extent = flashSize - region.Base
		}
		if err := eraseWithBackoff(session, region.Base, extent); err != nil {
			return err
		}
	}
	return nil
}

func eraseWithBackoff(session *probe.Session, base, extent uint32) error {
	for extent >= 1024 {
		req := fmt.Sprintf("vFlashErase:%x,%x", base, extent)
		reply, err := session.Request([]byte(req), eraseTimeout)
		if err == nil && reply == "OK" {
			return nil
		}
		extent /= 2
	}
	return fmt.Errorf("flash: erase at %#x failed even after backing off below 1KiB", base)
}

// BlankCheck reads every known region (clipped to flashSize) in 512-byte
// chunks and reports whether every byte read back as 0xFF.
func BlankCheck(session *probe.Session, flashSize uint32) (bool, error) {
	regions := session.Regions()
	for _, region := range regions {
		limit := region.Size
		if region.Base+limit > flashSize {
			if flashSize <= region.Base {
				continue
			}
			limit = flashSize - region.Base
		}
		for off := uint32(0); off < limit; off += blankCheckChunk {
			n := blankCheckChunk
			if remaining := int(limit - off); n > remaining {
				n = remaining
			}
			data, err := session.ReadMemory(region.Base+off, n)
			if err != nil {
				return false, fmt.Errorf("flash: blank check at %#x: %w", region.Base+off, err)
			}
			for _, b := range data {
				if b != 0xFF {
					return false, nil
				}
			}
		}
	}
	return true, nil
}

const dumpCap = 1 << 20 // 1 MiB, per spec.md §4.6's dump_flash bound

// DumpFlash reads every known region (clipped to flashSize, capped at 1
// MiB total) into a buffer pre-filled with 0xFF, trims trailing 0xFF in
// 4-byte-aligned steps, and writes the result to path as a raw binary image.
// The buffer is addressed relative to the lowest region's base address
// rather than by absolute flash address, since regions commonly start well
// above offset 0 (e.g. 0x08000000 on STM32 parts).
func DumpFlash(session *probe.Session, path string, flashSize uint32) error {
	regions := session.Regions()
	if len(regions) == 0 {
		return fmt.Errorf("flash: no regions known (attach before dumping)")
	}

	base := regions[0].Base
	top := uint32(0)
	for _, r := range regions {
		if r.Base < base {
			base = r.Base
		}
		if r.End() > top {
			top = r.End()
		}
	}
	total := top - base
	if total > dumpCap {
		total = dumpCap
	}

	buf := make([]byte, total)
	for i := range buf {
		buf[i] = 0xFF
	}

	for _, region := range regions {
		limit := region.Size
		if region.Base+limit > flashSize {
			if flashSize <= region.Base {
				continue
			}
			limit = flashSize - region.Base
		}
		relBase := region.Base - base
		if relBase >= uint32(len(buf)) {
			continue
		}
		if relBase+limit > uint32(len(buf)) {
			limit = uint32(len(buf)) - relBase
		}
		for off := uint32(0); off < limit; off += blankCheckChunk {
			n := blankCheckChunk
			if remaining := int(limit - off); n > remaining {
				n = remaining
			}
			data, err := session.ReadMemory(region.Base+off, n)
			if err != nil {
				return fmt.Errorf("flash: dump at %#x: %w", region.Base+off, err)
			}
			copy(buf[relBase+off:], data)
		}
	}

	end := len(buf)
	for end > 0 && buf[end-1] == 0xFF {
		end--
	}
	end = (end + 3) &^ 0x03

	return os.WriteFile(path, buf[:end], 0o644)
}
