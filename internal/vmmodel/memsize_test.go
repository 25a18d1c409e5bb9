package vmmodel

import "testing"

func TestParseMemorySizeAccepted(t *testing.T) {
	cases := map[string]int64{
		"1024":    1024,
		"512K":    512 * kibi,
		"3M":      3 * mebi,
		"2.5GiB":  2*gibi + gibi/2,
		"1G":      gibi,
		"10b":     10,
		"1KiB":    kibi,
	}
	for in, want := range cases {
		got, err := ParseMemorySize(in)
		if err != nil {
			t.Errorf("ParseMemorySize(%q) unexpected error: %v", in, err)
			continue
		}
		if int64(got) != want {
			t.Errorf("ParseMemorySize(%q) = %d, want %d", in, int64(got), want)
		}
	}
}

func TestParseMemorySizeRejected(t *testing.T) {
	for _, in := range []string{"", "abc", "3Q", "-5M", "5.5"} {
		if _, err := ParseMemorySize(in); err == nil {
			t.Errorf("ParseMemorySize(%q) expected error, got none", in)
		}
	}
}

func TestHumanReadable(t *testing.T) {
	if got := MemorySize(gibi + gibi/2).HumanReadable(); got != "1.5GiB" {
		t.Errorf("HumanReadable() = %q, want 1.5GiB", got)
	}
	if got := MemorySize(512).HumanReadable(); got != "512B" {
		t.Errorf("HumanReadable() = %q, want 512B", got)
	}
}
