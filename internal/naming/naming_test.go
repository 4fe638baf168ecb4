package naming

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jobrunner/strata/internal/domain"
)

func TestLaunder(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"tm_world_borders_simpl_0.3", "tm_world_borders_simpl_0_3"},
		{"Testing#", "testing_"},
		{"   ", "_"},
		{"already_safe_01", "already_safe_01"},
		{"Mixed Case-Name", "mixed_case_name"},
		{"a..b--c", "a_b_c"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := Launder(tt.in); got != tt.want {
			t.Errorf("Launder(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLaunderIdempotentAndTotal(t *testing.T) {
	seeds := []string{
		"tm_world_borders_simpl_0.3", "Testing#", "   ", "名前", "a b\tc",
		"UPPER", "trailing-", "-leading", "0123", "", "dots...everywhere",
	}
	for _, s := range seeds {
		once := Launder(s)
		if twice := Launder(once); twice != once {
			t.Errorf("Launder not idempotent for %q: %q != %q", s, once, twice)
		}
		for _, r := range once {
			safe := r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
			if !safe {
				t.Errorf("Launder(%q) = %q contains unsafe rune %q", s, once, r)
			}
		}
	}
}

func TestIncrement(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"test9", "test10"},
		{"test", "test0"},
		{"layer_08", "layer_09"},
		{"layer_09", "layer_10"},
		{"test0", "test1"},
		{"9lives", "10lives"},
		{"a1b2", "a1b3"},
		{"", "0"},
		{"99", "100"},
	}

	for _, tt := range tests {
		if got := Increment(tt.in); got != tt.want {
			t.Errorf("Increment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIncrementNeverCycles(t *testing.T) {
	for _, seed := range []string{"test", "test9", "layer_08", "x0", "99", "a1b2"} {
		seen := map[string]bool{seed: true}
		s := seed
		for i := 0; i < MaxAttempts; i++ {
			s = Increment(s)
			if seen[s] {
				t.Fatalf("Increment cycled back to %q after %d steps from seed %q", s, i+1, seed)
			}
			seen[s] = true
		}
	}
}

func TestIncrementFilename(t *testing.T) {
	dir := t.TempDir()

	fresh := filepath.Join(dir, "out.tif")
	got, err := IncrementFilename(fresh)
	if err != nil {
		t.Fatalf("IncrementFilename failed: %v", err)
	}
	if got != fresh {
		t.Errorf("IncrementFilename(%q) = %q, want unchanged", fresh, got)
	}

	// Occupy the base name and the first variant.
	for _, name := range []string{"out.tif", "out1.tif"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err = IncrementFilename(fresh)
	if err != nil {
		t.Fatalf("IncrementFilename failed: %v", err)
	}
	if got != filepath.Join(dir, "out2.tif") {
		t.Errorf("IncrementFilename = %q, want out2.tif", got)
	}
}

func TestIncrementFilenameExhausted(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "o.tif"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= MaxAttempts; i++ {
		name := filepath.Join(dir, "o"+itoa(i)+".tif")
		if err := os.WriteFile(name, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	_, err := IncrementFilename(filepath.Join(dir, "o.tif"))
	if !errors.Is(err, domain.ErrFileExists) {
		t.Errorf("err = %v, want ErrFileExists", err)
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	return string(b)
}

func TestUniquish(t *testing.T) {
	a := Uniquish("roads")
	b := Uniquish("roads")
	if a == b {
		t.Errorf("Uniquish returned identical names: %q", a)
	}
	if !strings.HasPrefix(a, "roads_") {
		t.Errorf("Uniquish(%q) = %q, want roads_ prefix", "roads", a)
	}
	if len(a) != len("roads_")+8 {
		t.Errorf("Uniquish suffix length = %d, want 8", len(a)-len("roads_"))
	}

	anon := Uniquish("")
	if len(anon) != 16+1+8 {
		t.Errorf("Uniquish(\"\") length = %d, want 25", len(anon))
	}
}
