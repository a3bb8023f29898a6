package conflict

import (
	"regexp"
	"slices"
	"strings"
)

var markerPattern = regexp.MustCompile(`(?m)^(<{7}|={7}|>{7})(\s|$)`)

// HasMarkers reports whether content contains git merge conflict markers.
func HasMarkers(content string) bool {
	return markerPattern.MatchString(content)
}

// Section is one <<<<<<< / ======= / >>>>>>> block, with line indexes into
// the file.
type Section struct {
	Start    int
	Middle   int
	End      int
	Head     []string
	Incoming []string
}

// ParseSections finds complete marker blocks. Unterminated blocks are
// skipped.
func ParseSections(content string) []Section {
	lines := strings.Split(content, "\n")
	var sections []Section
	for i := 0; i < len(lines); i++ {
		if !strings.HasPrefix(lines[i], "<<<<<<<") {
			continue
		}
		middle, end := -1, -1
		for j := i + 1; j < len(lines); j++ {
			if middle == -1 && strings.HasPrefix(lines[j], "=======") {
				middle = j
			} else if middle != -1 && strings.HasPrefix(lines[j], ">>>>>>>") {
				end = j
				break
			}
		}
		if middle == -1 || end == -1 {
			continue
		}
		sections = append(sections, Section{
			Start:    i,
			Middle:   middle,
			End:      end,
			Head:     slices.Clone(lines[i+1 : middle]),
			Incoming: slices.Clone(lines[middle+1 : end]),
		})
		i = end
	}
	return sections
}

// resolveSection picks a side when the choice is unambiguous: both sides
// equal, one side empty, or one side's lines contained in the other.
func resolveSection(s Section) ([]string, bool) {
	switch {
	case slices.Equal(s.Head, s.Incoming):
		return s.Head, true
	case blank(s.Head):
		return s.Incoming, true
	case blank(s.Incoming):
		return s.Head, true
	case containsLines(s.Head, s.Incoming):
		return s.Head, true
	case containsLines(s.Incoming, s.Head):
		return s.Incoming, true
	}
	return nil, false
}

// resolveMarkers rewrites content with every resolvable section replaced by
// its chosen side. It reports how many sections resolved and how many did
// not; unresolved sections are left as-is.
func resolveMarkers(content string) (string, int, int) {
	sections := ParseSections(content)
	if len(sections) == 0 {
		return content, 0, 0
	}
	lines := strings.Split(content, "\n")
	var out []string
	resolved, failed := 0, 0
	prev := 0
	for _, s := range sections {
		out = append(out, lines[prev:s.Start]...)
		if chosen, ok := resolveSection(s); ok {
			out = append(out, chosen...)
			resolved++
		} else {
			out = append(out, lines[s.Start:s.End+1]...)
			failed++
		}
		prev = s.End + 1
	}
	out = append(out, lines[prev:]...)
	return strings.Join(out, "\n"), resolved, failed
}

func blank(lines []string) bool {
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			return false
		}
	}
	return true
}

func containsLines(super, sub []string) bool {
	have := make(map[string]int, len(super))
	for _, l := range super {
		have[l]++
	}
	for _, l := range sub {
		if have[l] == 0 {
			return false
		}
		have[l]--
	}
	return true
}
