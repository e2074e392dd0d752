package tghtml

import (
	"strings"
	"testing"
)

func TestEscAndWrappers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		got  H
		want string
	}{
		{name: "esc", got: Esc("a < b & c"), want: "a &lt; b &amp; c"},
		{name: "bold", got: B("x<y"), want: "<b>x&lt;y</b>"},
		{name: "italic", got: I("hi"), want: "<i>hi</i>"},
		{name: "code", got: Code("TRK-001"), want: "<code>TRK-001</code>"},
		{name: "link", got: Link("track", `https://x/?a=1&b="2"`), want: `<a href="https://x/?a=1&amp;b=&#34;2&#34;">track</a>`},
		{name: "raw", got: Raw("<b>ok</b>"), want: "<b>ok</b>"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if tt.got.String() != tt.want {
				t.Fatalf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestLinesSkipsBlanks(t *testing.T) {
	t.Parallel()
	got := Lines(B("head"), "", Esc("body"), H("  "))
	want := "<b>head</b>\n" + "body"
	if got.String() != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSplitTextShortIsSingleChunk(t *testing.T) {
	t.Parallel()
	chunks := SplitText("hello", DefaultTextLimit, "HTML")
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("unexpected chunks: %#v", chunks)
	}
}

func TestSplitTextRespectsLimit(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("a", 9000)
	chunks := SplitText(long, DefaultTextLimit, "HTML")
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	total := 0
	for i, c := range chunks {
		if n := len([]rune(c)); n > DefaultTextLimit {
			t.Fatalf("chunk %d has %d runes, limit %d", i, n, DefaultTextLimit)
		}
		total += len(c)
	}
	if total != len(long) {
		t.Fatalf("reassembled %d runes, want %d", total, len(long))
	}
}

func TestSplitTextPrefersNewline(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("x", 60)
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	chunks := SplitText(b.String(), 100, "")
	for i, c := range chunks {
		if strings.Contains(c, "\n") && len(c) < 100 {
			continue
		}
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk %d over limit: %d", i, len(c))
		}
	}
	// Every chunk should be whole lines when lines fit under the limit.
	for i, c := range chunks {
		for _, part := range strings.Split(c, "\n") {
			if part != line {
				t.Fatalf("chunk %d split mid-line: %q", i, part)
			}
		}
	}
}

func TestSplitTextAvoidsDanglingTag(t *testing.T) {
	t.Parallel()
	// Put an opening tag right at the window boundary.
	s := strings.Repeat("a", 98) + "<b>bold</b>" + strings.Repeat("c", 50)
	chunks := SplitText(s, 100, "HTML")
	for i, c := range chunks {
		if strings.Count(c, "<") != strings.Count(c, ">") {
			t.Fatalf("chunk %d has a dangling tag: %q", i, c)
		}
	}
}

func TestSplitTextMultibyte(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("я", 250)
	chunks := SplitText(s, 100, "")
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	for i, c := range chunks {
		if n := len([]rune(c)); n > 100 {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
	}
}
