package transcode

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// DefaultLadder mirrors the usual live resolutions, bitrates in kbit/s.
func DefaultLadder() []Rendition {
	return []Rendition{
		{Name: "1080p", Bitrate: 3800},
		{Name: "720p", Bitrate: 2500},
		{Name: "480p", Bitrate: 1200},
		{Name: "360p", Bitrate: 800},
	}
}

// ParseLadder reads a comma separated list of <height>p:<kbps> entries, for
// example "720p:2500,480p:1200k". The result is ordered from the highest
// resolution down.
func ParseLadder(raw string) ([]Rendition, error) {
	var ladder []Rendition
	heights := map[int]bool{}
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		name, rate, ok := strings.Cut(field, ":")
		if !ok {
			return nil, fmt.Errorf("rendition %q: want <height>p:<kbps>", field)
		}
		height, err := renditionHeight(name)
		if err != nil {
			return nil, fmt.Errorf("rendition %q: %w", field, err)
		}
		if heights[height] {
			return nil, fmt.Errorf("rendition %q listed twice", name)
		}
		heights[height] = true
		kbps, err := strconv.Atoi(strings.TrimSuffix(strings.ToLower(rate), "k"))
		if err != nil || kbps <= 0 {
			return nil, fmt.Errorf("rendition %q: bitrate must be a positive kbit/s value", field)
		}
		ladder = append(ladder, Rendition{Name: strings.ToLower(name), Bitrate: kbps})
	}
	if len(ladder) == 0 {
		return nil, fmt.Errorf("ladder %q has no renditions", raw)
	}
	slices.SortFunc(ladder, func(a, b Rendition) int {
		ha, _ := renditionHeight(a.Name)
		hb, _ := renditionHeight(b.Name)
		return hb - ha
	})
	return ladder, nil
}

func renditionHeight(name string) (int, error) {
	digits, ok := strings.CutSuffix(strings.ToLower(name), "p")
	if !ok {
		return 0, fmt.Errorf("name %q must end in p", name)
	}
	height, err := strconv.Atoi(digits)
	if err != nil || height <= 0 {
		return 0, fmt.Errorf("name %q has no height", name)
	}
	return height, nil
}
