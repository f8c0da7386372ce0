package turn

import "testing"

func TestGarbled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want bool
	}{
		{"normal sentence", "what's the weather like in Berlin", false},
		{"short acknowledgement", "ok", false},
		{"single word", "hello", false},
		{"punctuated sentence", "wait, really? that's great!", false},
		{"empty", "", true},
		{"whitespace only", "   ", true},
		{"five char run", "aaaaa", true},
		{"char run inside word", "heeeeello there", true},
		{"four char run is fine", "aaaah okay", false},
		{"word repeated three times", "the the the", true},
		{"word repeated twice is fine", "very very good", false},
		{"repeat case insensitive", "No no NO", true},
		{"mostly symbols", "#$%^& 12345", true},
		{"short symbols pass", "ok!", false},
		{"digits with enough letters", "room 101 please", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Garbled(tt.text); got != tt.want {
				t.Errorf("Garbled(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}
