package token

import "testing"

func TestNewLengthAndAlphabet(t *testing.T) {
	for i := 0; i < 100; i++ {
		tok := New()
		if len(tok) != Length {
			t.Fatalf("token length = %d, want %d", len(tok), Length)
		}
		for _, r := range tok {
			switch {
			case r >= 'A' && r <= 'Z':
			case r >= 'a' && r <= 'z':
			case r >= '0' && r <= '9':
			default:
				t.Fatalf("token contains non-alphanumeric character %q", r)
			}
		}
	}
}

func TestNewNoCollisions(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		tok := New()
		if _, dup := seen[tok]; dup {
			t.Fatalf("duplicate token after %d draws: %s", i, tok)
		}
		seen[tok] = struct{}{}
	}
}
