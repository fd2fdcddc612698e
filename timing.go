package hwcomposer

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// maxTimings bounds enumeration against a driver that never returns E2BIG.
const maxTimings = 64

// knownTimings are the video timings the composer can drive.
var knownTimings = []Timing{
	{Width: 720, Height: 480, RefreshHz: 60},
	{Width: 720, Height: 576, RefreshHz: 50},
	{Width: 1280, Height: 720, RefreshHz: 50},
	{Width: 1280, Height: 720, RefreshHz: 60},
	{Width: 1920, Height: 1080, RefreshHz: 24},
	{Width: 1920, Height: 1080, RefreshHz: 25},
	{Width: 1920, Height: 1080, RefreshHz: 30},
	{Width: 1920, Height: 1080, RefreshHz: 50},
	{Width: 1920, Height: 1080, RefreshHz: 60},
	{Width: 1920, Height: 1080, RefreshHz: 50, Interlaced: true},
	{Width: 1920, Height: 1080, RefreshHz: 60, Interlaced: true},
	{Width: 2560, Height: 1440, RefreshHz: 60},
	{Width: 3840, Height: 2160, RefreshHz: 24},
	{Width: 3840, Height: 2160, RefreshHz: 30},
	{Width: 3840, Height: 2160, RefreshHz: 60},
}

func isKnownTiming(t Timing) bool {
	for _, k := range knownTimings {
		if k == t {
			return true
		}
	}
	return false
}

// enumerateConfigs reads every timing the source offers, keeping known,
// unique entries. The last enumerated entry is swapped to the front.
func enumerateConfigs(src TimingSource) ([]Config, error) {
	var configs []Config
	for i := 0; i < maxTimings; i++ {
		t, err := src.EnumTiming(i)
		if errors.Is(err, unix.E2BIG) {
			break
		}
		if errors.Is(err, unix.EINVAL) {
			continue
		}
		if err != nil {
			return nil, hardwareError(fmt.Sprintf("enumerate timing %d", i), err)
		}
		if !isKnownTiming(t) || containsTiming(configs, t) {
			continue
		}
		configs = append(configs, Config{Timing: t})
	}

	if n := len(configs); n > 1 {
		configs[0], configs[n-1] = configs[n-1], configs[0]
	}
	return configs, nil
}

func containsTiming(configs []Config, t Timing) bool {
	return indexOfTiming(configs, t) >= 0
}

func indexOfTiming(configs []Config, t Timing) int {
	for i := range configs {
		if configs[i].Timing == t {
			return i
		}
	}
	return -1
}

func sameConfigs(a, b []Config) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// selectActive picks the initial active index: the previous index when the
// configuration set is unchanged, otherwise 0.
func selectActive(prev []Config, prevActive int, next []Config) int {
	if prevActive >= 0 && prevActive < len(next) && sameConfigs(prev, next) {
		return prevActive
	}
	return 0
}
