package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"

	"github.com/zboralski/alloctrace/internal/trace"
)

// traceLexer tokenizes one rendered trace-log line: hex addresses, decimal
// sizes, the fourteen tracked-symbol keywords, #tags, and shared-object
// names. No stock chroma lexer understands this format, so this one is
// purpose-built, the same way chroma ships hand-written lexers for formats
// with no generic grammar to fall back on.
var traceLexer = chroma.MustNewLexer(
	&chroma.Config{Name: "alloctrace", Filenames: []string{"*.alloctrace"}},
	chroma.Rules{
		"root": {
			{Pattern: `0x[0-9a-fA-F]+`, Type: chroma.LiteralNumberHex},
			{Pattern: `\bsize=\d+\b`, Type: chroma.LiteralNumberInteger},
			{Pattern: `\b(malloc|calloc|realloc|memalign|posix_memalign|valloc|pvalloc|free|mmap|mmap64|munmap|dlopen|dlclose|PyGILState_Ensure)\b`, Type: chroma.Keyword},
			{Pattern: `#[\w-]+`, Type: chroma.NameLabel},
			{Pattern: `[\w./-]+\.so(\.\d+)*`, Type: chroma.NameClass},
			{Pattern: `\s+`, Type: chroma.Text},
			{Pattern: `\S+`, Type: chroma.Text},
		},
	},
)

func init() {
	lexers.Register(traceLexer)
}

func getAllocStyle() *chroma.Style {
	for _, name := range []string{"alloctrace-dark", "dracula", "monokai"} {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

func getTerminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// IsDisabled returns true if colors are disabled via environment.
func IsDisabled() bool {
	return os.Getenv("ALLOCTRACE_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Line highlights one rendered trace-log line.
func Line(s string) string {
	if IsDisabled() {
		return s
	}

	_ = AllocDark // force registration
	style := getAllocStyle()
	formatter := getTerminalFormatter()

	iterator, err := traceLexer.Tokenise(nil, s)
	if err != nil {
		return s
	}

	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return s
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Event renders and highlights one trace event in the conventional
// `#tag symbol 0xaddress size=N` shape.
func Event(e trace.Event) string {
	return Line(fmt.Sprintf("%s %s %#x %s", e.PrimaryTag(), e.Name, e.PC, e.Detail))
}

// Address formats an address in gray.
func Address(addr uint64) string {
	if IsDisabled() {
		return fmt.Sprintf("0x%x", addr)
	}
	return fmt.Sprintf("\033[38;2;128;128;128m0x%x\033[0m", addr)
}

// Tag formats a hashtag in light blue.
func Tag(tag string) string {
	if IsDisabled() {
		return tag
	}
	return fmt.Sprintf("\033[38;2;135;206;235m%s\033[0m", tag)
}

// Symbol formats a tracked symbol name in yellow.
func Symbol(name string) string {
	if IsDisabled() {
		return name
	}
	return fmt.Sprintf("\033[38;2;255;200;0m%s\033[0m", name)
}

// Detail formats detail text in light gray.
func Detail(detail string) string {
	if IsDisabled() {
		return detail
	}
	return fmt.Sprintf("\033[38;2;180;180;180m%s\033[0m", detail)
}

// Kind formats an allocator kind in red for high visibility.
func Kind(kind string) string {
	if IsDisabled() {
		return kind
	}
	return fmt.Sprintf("\033[38;2;255;80;80m%s\033[0m", kind)
}

// Border formats border characters in dark gray.
func Border(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;80;80;80m%s\033[0m", s)
}

// Comment formats comments in white.
func Comment(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;255;255;255m%s\033[0m", s)
}

// Header formats header text in blue.
func Header(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;86;156;214m%s\033[0m", s)
}

// Error formats error messages in pink.
func Error(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;255;128;192m%s\033[0m", s)
}

// String formats string values in pink/magenta.
func String(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;255;128;192m%s\033[0m", s)
}
