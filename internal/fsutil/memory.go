package fsutil

import (
	"fmt"
	"image"
	"os"
	"strconv"
	"strings"
	"syscall"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// GetSystemMemory returns available memory in MB
func GetSystemMemory() (int64, error) {
	// Try to read /proc/meminfo for more accurate available memory
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		lines := strings.Split(string(content), "\n")
		for _, line := range lines {
			if strings.HasPrefix(line, "MemAvailable:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						return kb / 1024, nil
					}
				}
			}
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	availableBytes := int64(sysinfo.Freeram) * int64(sysinfo.Unit)
	return availableBytes / (1024 * 1024), nil
}

// EstimateDecodedSize estimates the bytes needed to hold every tile decoded
// at four components per pixel. Only the image headers are read.
func EstimateDecodedSize(files []string) (int64, error) {
	if len(files) == 0 {
		return 0, nil
	}
	var total int64
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return 0, err
		}
		cfg, _, err := image.DecodeConfig(f)
		f.Close()
		if err != nil {
			// ImageMagick-only formats: fall back to the on-disk size
			info, statErr := os.Stat(path)
			if statErr != nil {
				return 0, fmt.Errorf("size of %s: %w", path, err)
			}
			total += info.Size() * 4
			continue
		}
		total += int64(cfg.Width) * int64(cfg.Height) * 4
	}
	return total, nil
}

// FitsInMemory reports whether the decoded tile set leaves at least a quarter
// of the available memory free.
func FitsInMemory(files []string) (bool, int64, error) {
	need, err := EstimateDecodedSize(files)
	if err != nil {
		return false, 0, err
	}
	availMB, err := GetSystemMemory()
	if err != nil {
		return true, need, nil
	}
	avail := availMB * 1024 * 1024
	return need <= avail*3/4, need, nil
}
