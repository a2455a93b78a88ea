package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"whitespace only", " \n\t \n", ""},
		{"nul bytes", "a\x00b\x00", "ab"},
		{"space runs", "one   two    three", "one two three"},
		{"two newlines kept", "a\n\nb", "a\n\nb"},
		{"newline runs", "a\n\n\n\n\nb", "a\n\nb"},
		{"trim", "  \n hello \n ", "hello"},
		{"mixed", " \x00Why  me?\n\n\n\nBecause.  ", "Why me?\n\nBecause."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"",
		"plain",
		"  a  \x00 b \n\n\n\n c  ",
		"x \n \n \n y",
		"\n\n\n\n\n",
		"tab\t\tstays",
	}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
	}
}
