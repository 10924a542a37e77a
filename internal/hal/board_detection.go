package hal

import (
	"fmt"
	"os"
	"strings"
)

// BoardModel identifies which Raspberry Pi generation keyguardd is running
// on. Only the boards this project is actually deployed on are named; any
// other board reads as BoardUnknown and falls back to generic gpiochip0
// wiring.
type BoardModel int

const (
	BoardUnknown BoardModel = iota
	BoardRPiZero2W
	BoardRPi3
	BoardRPi3Plus
	BoardRPi4
	BoardRPi5
)

// BoardInfo is the subset of board identity the rest of the HAL layer
// actually consumes: a human-readable name for logs/status, and the GPIO
// character device backing chip-select and solenoid lines.
type BoardInfo struct {
	Model    BoardModel
	Name     string
	GPIOChip string
}

// GPIOChipName returns the GPIO character device for this board model by
// scanning /dev/gpiochip* labels. The Pi 5's RP1 controller can land on
// gpiochip0 or gpiochip4 depending on firmware/OS version, so both are
// probed before falling back to gpiochip0.
func (b BoardModel) GPIOChipName() string {
	for _, chip := range []string{"gpiochip0", "gpiochip4"} {
		labelPath := fmt.Sprintf("/sys/bus/gpio/devices/%s/label", chip)
		data, err := os.ReadFile(labelPath)
		if err != nil {
			continue
		}
		label := strings.TrimSpace(string(data))
		if strings.Contains(label, "pinctrl-rp1") || strings.Contains(label, "pinctrl-bcm2") {
			return chip
		}
	}
	return "gpiochip0"
}

// DetectBoard identifies the running board from /proc/cpuinfo (or, on the
// Pi 5, /proc/device-tree/model) and resolves its GPIO chip.
func DetectBoard() (*BoardInfo, error) {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return nil, fmt.Errorf("failed to read cpuinfo: %w", err)
	}

	model := extractModel(string(data))
	info := &BoardInfo{
		Model:    model,
		Name:     model.String(),
		GPIOChip: model.GPIOChipName(),
	}
	return info, nil
}

func extractModel(cpuinfo string) BoardModel {
	for _, line := range strings.Split(cpuinfo, "\n") {
		if strings.HasPrefix(line, "Model") {
			if m := matchBoardModel(line); m != BoardUnknown {
				return m
			}
		}
	}

	// Pi 5 doesn't report a Model line in /proc/cpuinfo; check device-tree.
	if dtModel, err := os.ReadFile("/proc/device-tree/model"); err == nil {
		if m := matchBoardModel(string(dtModel)); m != BoardUnknown {
			return m
		}
	}

	return BoardUnknown
}

func matchBoardModel(text string) BoardModel {
	model := strings.ToLower(text)

	switch {
	case strings.Contains(model, "pi 5"):
		return BoardRPi5
	case strings.Contains(model, "pi 4"):
		return BoardRPi4
	case strings.Contains(model, "pi 3 model b+"):
		return BoardRPi3Plus
	case strings.Contains(model, "pi 3"):
		return BoardRPi3
	case strings.Contains(model, "zero 2 w"):
		return BoardRPiZero2W
	default:
		return BoardUnknown
	}
}

func (b BoardModel) String() string {
	switch b {
	case BoardRPiZero2W:
		return "Raspberry Pi Zero 2 W"
	case BoardRPi3:
		return "Raspberry Pi 3"
	case BoardRPi3Plus:
		return "Raspberry Pi 3 B+"
	case BoardRPi4:
		return "Raspberry Pi 4"
	case BoardRPi5:
		return "Raspberry Pi 5"
	default:
		return "Unknown"
	}
}
