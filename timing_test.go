package hwcomposer

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

// scriptedTimings answers EnumTiming from a fixed script
type scriptedTimings struct {
	entries []Timing
	errs    map[int]error
	current Timing
}

func (s *scriptedTimings) EnumTiming(i int) (Timing, error) {
	if err, ok := s.errs[i]; ok {
		return Timing{}, err
	}
	if i >= len(s.entries) {
		return Timing{}, unix.E2BIG
	}
	return s.entries[i], nil
}

func (s *scriptedTimings) CurrentTiming() (Timing, error) { return s.current, nil }

func (s *scriptedTimings) SetTiming(t Timing) error {
	s.current = t
	return nil
}

var (
	t1080p60 = Timing{Width: 1920, Height: 1080, RefreshHz: 60}
	t720p60  = Timing{Width: 1280, Height: 720, RefreshHz: 60}
	t480p60  = Timing{Width: 720, Height: 480, RefreshHz: 60}
	t2160p30 = Timing{Width: 3840, Height: 2160, RefreshHz: 30}
)

func timingsOf(configs []Config) []Timing {
	out := make([]Timing, len(configs))
	for i, c := range configs {
		out[i] = c.Timing
	}
	return out
}

func TestEnumerateConfigs(t *testing.T) {
	tests := []struct {
		name string
		src  *scriptedTimings
		want []Timing
	}{
		{
			name: "last entry swapped to front",
			src:  &scriptedTimings{entries: []Timing{t1080p60, t720p60, t480p60}},
			want: []Timing{t480p60, t720p60, t1080p60},
		},
		{
			name: "single entry",
			src:  &scriptedTimings{entries: []Timing{t720p60}},
			want: []Timing{t720p60},
		},
		{
			name: "duplicates dropped",
			src:  &scriptedTimings{entries: []Timing{t1080p60, t1080p60, t720p60, t1080p60}},
			want: []Timing{t720p60, t1080p60},
		},
		{
			name: "unknown timings filtered",
			src:  &scriptedTimings{entries: []Timing{{Width: 1366, Height: 768, RefreshHz: 60}, t1080p60, t2160p30}},
			want: []Timing{t2160p30, t1080p60},
		},
		{
			name: "invalid entries skipped",
			src: &scriptedTimings{
				entries: []Timing{t1080p60, {}, t720p60},
				errs:    map[int]error{1: unix.EINVAL},
			},
			want: []Timing{t720p60, t1080p60},
		},
		{
			name: "empty table",
			src:  &scriptedTimings{},
			want: []Timing{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := enumerateConfigs(tt.src)
			if err != nil {
				t.Fatalf("enumerateConfigs() error = %v", err)
			}
			gt := timingsOf(got)
			if len(gt) != len(tt.want) {
				t.Fatalf("enumerateConfigs() = %v, want %v", gt, tt.want)
			}
			for i := range gt {
				if gt[i] != tt.want[i] {
					t.Errorf("config[%d] = %v, want %v", i, gt[i], tt.want[i])
				}
			}
		})
	}
}

func TestEnumerateConfigsHardwareError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"busy", unix.EBUSY, ErrHardwareBusy},
		{"io", unix.EIO, ErrIO},
		{"other", errors.New("ioctl failed"), ErrIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &scriptedTimings{entries: []Timing{t1080p60}, errs: map[int]error{0: tt.err}}
			_, err := enumerateConfigs(src)
			if !errors.Is(err, tt.want) {
				t.Errorf("enumerateConfigs() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEnumerateConfigsBounded(t *testing.T) {
	// A driver that never reports E2BIG must not loop forever.
	entries := make([]Timing, 2*maxTimings)
	for i := range entries {
		entries[i] = t1080p60
	}
	got, err := enumerateConfigs(&scriptedTimings{entries: entries})
	if err != nil {
		t.Fatalf("enumerateConfigs() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("len(configs) = %d, want 1", len(got))
	}
}

func TestEnumerationRoundTrip(t *testing.T) {
	src := &scriptedTimings{entries: []Timing{t1080p60, t720p60, t480p60, t2160p30}}

	first, err := enumerateConfigs(src)
	if err != nil {
		t.Fatal(err)
	}
	active := selectActive(nil, -1, first)

	second, err := enumerateConfigs(src)
	if err != nil {
		t.Fatal(err)
	}
	if !sameConfigs(first, second) {
		t.Errorf("second enumeration = %v, want %v", timingsOf(second), timingsOf(first))
	}
	if got := selectActive(first, 2, second); got != 2 {
		t.Errorf("selectActive() with unchanged set = %d, want 2", got)
	}
	if active != 0 {
		t.Errorf("initial active = %d, want 0", active)
	}
}

func TestSelectActive(t *testing.T) {
	a := []Config{{Timing: t1080p60}, {Timing: t720p60}}
	b := []Config{{Timing: t720p60}, {Timing: t1080p60}}

	tests := []struct {
		name       string
		prev       []Config
		prevActive int
		next       []Config
		want       int
	}{
		{"first connect", nil, -1, a, 0},
		{"same set keeps index", a, 1, a, 1},
		{"changed set resets", a, 1, b, 0},
		{"index out of range", a, 5, a, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectActive(tt.prev, tt.prevActive, tt.next); got != tt.want {
				t.Errorf("selectActive() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTimingString(t *testing.T) {
	if got := t1080p60.String(); got != "1920x1080p60" {
		t.Errorf("String() = %q", got)
	}
	i := Timing{Width: 1920, Height: 1080, RefreshHz: 50, Interlaced: true}
	if got := i.String(); got != "1920x1080i50" {
		t.Errorf("String() = %q", got)
	}
	if got := (Timing{}).VsyncPeriod(); got != 0 {
		t.Errorf("VsyncPeriod() of zero timing = %v, want 0", got)
	}
}
