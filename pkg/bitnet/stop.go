package bitnet

import "strings"

// stopFilter withholds streamed text that may be the start of a stop
// sequence. Matched stop text is never released.
type stopFilter struct {
	stops []string
	held  string
}

func newStopFilter(stops []string) *stopFilter {
	f := &stopFilter{}
	for _, s := range stops {
		if s != "" {
			f.stops = append(f.stops, s)
		}
	}
	return f
}

// push appends tok and returns the text that can be released. hit reports
// that a stop sequence completed; text is then everything before it.
func (f *stopFilter) push(tok string) (text string, hit bool) {
	s := f.held + tok
	cut := -1
	for _, stop := range f.stops {
		if i := strings.Index(s, stop); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut >= 0 {
		f.held = ""
		return s[:cut], true
	}
	keep := 0
	for _, stop := range f.stops {
		for n := min(len(stop)-1, len(s)); n > keep; n-- {
			if strings.HasSuffix(s, stop[:n]) {
				keep = n
				break
			}
		}
	}
	f.held = s[len(s)-keep:]
	return s[:len(s)-keep], false
}

// flush releases withheld text once generation ended without a match.
func (f *stopFilter) flush() string {
	s := f.held
	f.held = ""
	return s
}
