package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const markedFile = `package main

<<<<<<< HEAD
import "fmt"
=======
import "fmt"
>>>>>>> feature
func main() {
<<<<<<< HEAD
	fmt.Println("head")
=======
	fmt.Println("incoming")
>>>>>>> feature
}
`

func TestHasMarkers(t *testing.T) {
	assert.True(t, HasMarkers(markedFile))
	assert.False(t, HasMarkers("package main\n"))
	// Marker-like text that is not at line start or is too short.
	assert.False(t, HasMarkers("// see <<<<<<< in docs\n<<<<<< short\n"))
}

func TestParseSections(t *testing.T) {
	sections := ParseSections(markedFile)
	require.Len(t, sections, 2)

	assert.Equal(t, 2, sections[0].Start)
	assert.Equal(t, 4, sections[0].Middle)
	assert.Equal(t, 6, sections[0].End)
	assert.Equal(t, []string{`import "fmt"`}, sections[0].Head)
	assert.Equal(t, []string{`import "fmt"`}, sections[0].Incoming)

	assert.Equal(t, []string{"\tfmt.Println(\"head\")"}, sections[1].Head)
	assert.Equal(t, []string{"\tfmt.Println(\"incoming\")"}, sections[1].Incoming)
}

func TestParseSections_SkipsUnterminated(t *testing.T) {
	content := "<<<<<<< HEAD\na\n=======\nb\n"
	assert.Empty(t, ParseSections(content))
}

func TestResolveSection(t *testing.T) {
	tests := []struct {
		name     string
		head     []string
		incoming []string
		want     []string
		ok       bool
	}{
		{"identical", []string{"a"}, []string{"a"}, []string{"a"}, true},
		{"empty head", nil, []string{"b"}, []string{"b"}, true},
		{"blank incoming", []string{"a"}, []string{"  "}, []string{"a"}, true},
		{"head superset", []string{"a", "b"}, []string{"b"}, []string{"a", "b"}, true},
		{"incoming superset", []string{"a"}, []string{"a", "c"}, []string{"a", "c"}, true},
		{"divergent", []string{"a"}, []string{"b"}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := resolveSection(Section{Head: tt.head, Incoming: tt.incoming})
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveMarkers(t *testing.T) {
	out, resolved, failed := resolveMarkers(markedFile)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, 1, failed)

	// The identical import section collapses; the divergent body stays marked.
	assert.Contains(t, out, "package main\n\nimport \"fmt\"\nfunc main() {\n<<<<<<< HEAD")
	assert.True(t, HasMarkers(out))
}

func TestResolveMarkers_NoSections(t *testing.T) {
	out, resolved, failed := resolveMarkers("plain\n")
	assert.Equal(t, "plain\n", out)
	assert.Zero(t, resolved)
	assert.Zero(t, failed)
}
