package conversation

import "testing"

func TestEscapeMarkdown(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"no symbols", "no symbols"},
		{"$5", `\$5`},
		{"from $5 to $10", `from \$5 to \$10`},
		{`already \$5`, `already \$5`},
		{"$$", `\$\$`},
		{"", ""},
		{"€ and $", `€ and \$`},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := EscapeMarkdown(tt.in); got != tt.want {
				t.Errorf("EscapeMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if twice := EscapeMarkdown(EscapeMarkdown(tt.in)); twice != tt.want {
				t.Errorf("escaping twice changed %q to %q", tt.in, twice)
			}
		})
	}
}
