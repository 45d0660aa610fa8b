package storage

import "github.com/FranGenoa/HeadlineArt/coreengine/envelope"

// RunSummary is the headline view of a stored run.
type RunSummary struct {
	RunID          string   `json:"run_id"`
	Status         string   `json:"status"`
	TerminalReason string   `json:"terminal_reason,omitempty"`
	ReviewCycles   int      `json:"review_cycles"`
	Visits         []string `json:"visits,omitempty"`
	ImageLocation  string   `json:"image_location,omitempty"`
	ImageGenerated bool     `json:"image_generated"`
	OutputText     string   `json:"output_text,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Summary reads the summary fields out of the record's state. It accepts
// both a live state map and one decoded from JSON.
func (r *RunRecord) Summary() RunSummary {
	s := state(r.State)
	sum := RunSummary{
		RunID:          r.RunID,
		Status:         r.Status,
		TerminalReason: s.str("terminal_reason"),
		ReviewCycles:   s.integer("review_cycle"),
		Visits:         s.strings("visits"),
		ImageLocation:  s.str("output.image_location"),
		ImageGenerated: s.boolean("output.image_generated"),
		OutputText:     s.str("output_text"),
		Error:          r.Error,
	}
	if out, ok := r.State["output"].(envelope.TerminalOutput); ok {
		sum.ImageLocation = out.ImageLocation
		sum.ImageGenerated = out.ImageGenerated
	}
	return sum
}

// state navigates a state map by dot-separated paths. Missing keys and
// mismatched types read as zero values.
type state map[string]any

func (s state) lookup(path string) (any, bool) {
	var current any = map[string]any(s)
	for _, key := range splitPath(path) {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		if current, ok = m[key]; !ok {
			return nil, false
		}
	}
	return current, true
}

func (s state) str(path string) string {
	v, _ := s.lookup(path)
	str, _ := v.(string)
	return str
}

func (s state) boolean(path string) bool {
	v, _ := s.lookup(path)
	b, _ := v.(bool)
	return b
}

// integer also accepts float64, which is what JSON numbers decode to.
func (s state) integer(path string) int {
	v, _ := s.lookup(path)
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// strings also accepts []any holding only strings.
func (s state) strings(path string) []string {
	v, _ := s.lookup(path)
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			str, ok := item.(string)
			if !ok {
				return nil
			}
			out = append(out, str)
		}
		return out
	default:
		return nil
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case state:
		return m, true
	default:
		return nil, false
	}
}

func splitPath(path string) []string {
	var keys []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			if i > start {
				keys = append(keys, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		keys = append(keys, path[start:])
	}
	return keys
}
