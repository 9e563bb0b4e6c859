package camera

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Device is a local V4L2 capture device.
type Device struct {
	Path   string `json:"path"`
	Index  string `json:"index"`
	Driver string `json:"driver"`
	Model  string `json:"model"`
}

// ListDevices finds video* character devices under devDir (default /dev).
// Details come from v4l2-ctl when installed, otherwise from sysfs.
func ListDevices(devDir string) ([]Device, error) {
	if devDir == "" {
		devDir = "/dev"
	}

	matches, err := filepath.Glob(filepath.Join(devDir, "video*"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob video devices: %w", err)
	}
	sort.Strings(matches)

	devices := make([]Device, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.Mode()&os.ModeCharDevice == 0 {
			continue
		}
		dev := Device{
			Path:  path,
			Index: strings.TrimPrefix(filepath.Base(path), "video"),
			Model: "USB Camera",
		}
		if !v4l2Info(&dev) {
			sysfsInfo(&dev)
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

func v4l2Info(dev *Device) bool {
	if _, err := exec.LookPath("v4l2-ctl"); err != nil {
		return false
	}
	output, err := exec.Command("v4l2-ctl", "--device", dev.Path, "--info").Output()
	if err != nil {
		return false
	}
	parseV4L2Info(string(output), dev)
	return true
}

func parseV4L2Info(output string, dev *Device) {
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Card type":
			dev.Model = strings.TrimSpace(value)
		case "Driver name":
			dev.Driver = strings.TrimSpace(value)
		}
	}
}

// sysfsInfo reads /sys/class/video4linux/videoN/name.
func sysfsInfo(dev *Device) {
	name, err := os.ReadFile(filepath.Join("/sys/class/video4linux", filepath.Base(dev.Path), "name"))
	if err == nil {
		if model := strings.TrimSpace(string(name)); model != "" {
			dev.Model = model
		}
	}
}
