package diff

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestInsertedText(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
		want     string
	}{
		{"identical", "abc", "abc", ""},
		{"empty both", "", "", ""},
		{"deletion", "ab", "a", ""},
		{"append", "ab", "abc", "c"},
		{"prepend", "bc", "abc", "a"},
		{"middle", "hello", "heXXllo", "XX"},
		{"from empty", "", "Hello world", "Hello world"},
		{"repeated run", "aaa", "aaaa", "a"},
		{"replace longer", "abc", "aXYc", "XY"},
		{"same length replace", "abc", "aXc", ""},
		{"multibyte", "héllo", "héXllo", "X"},
		{"multibyte inserted", "ab", "a日本b", "日本"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InsertedText(tt.old, tt.new)
			if got != tt.want {
				t.Errorf("InsertedText(%q, %q) = %q, want %q", tt.old, tt.new, got, tt.want)
			}
		})
	}
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
		want     Edit
	}{
		{"noop", "same", "same", Edit{}},
		{"insert", "hello", "heXXllo", Edit{Offset: 2, Inserted: "XX"}},
		{"delete", "hello", "hlo", Edit{Offset: 1, Deleted: 2}},
		{"replace", "abc", "aXYc", Edit{Offset: 1, Deleted: 1, Inserted: "XY"}},
		{"clear", "abc", "", Edit{Offset: 0, Deleted: 3}},
		{"rune offsets", "日本語", "日本X語", Edit{Offset: 2, Inserted: "X"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.old, tt.new)
			if got != tt.want {
				t.Errorf("Compute(%q, %q) = %+v, want %+v", tt.old, tt.new, got, tt.want)
			}
		})
	}
}

func TestIsMeaningful(t *testing.T) {
	cases := map[string]bool{
		"":        false,
		" ":       false,
		"\n\t  ":  false,
		"a":       true,
		"  word ": true,
		" ":  false,
	}
	for in, want := range cases {
		if got := IsMeaningful(in); got != want {
			t.Errorf("IsMeaningful(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestComputeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("snapshot diff against itself is empty", prop.ForAll(
		func(s string) bool {
			return InsertedText(s, s) == "" && Compute(s, s).IsZero()
		},
		gen.AnyString(),
	))

	properties.Property("applying the edit reproduces the new snapshot", prop.ForAll(
		func(a, b string) bool {
			e := Compute(a, b)
			o := []rune(a)
			rebuilt := string(o[:e.Offset]) + e.Inserted + string(o[e.Offset+e.Deleted:])
			return rebuilt == b
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("inserting into a snapshot is recovered", prop.ForAll(
		func(base, ins string, at int) bool {
			if ins == "" {
				return true
			}
			r := []rune(base)
			at = at % (len(r) + 1)
			next := string(r[:at]) + ins + string(r[at:])
			got := InsertedText(base, next)
			return len([]rune(got)) == len([]rune(ins))
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
