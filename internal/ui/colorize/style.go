// Package colorize provides syntax highlighting for rendered trace-log
// lines: allocator kinds, addresses, sizes, tags, and object names.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

func init() {
	// Register our custom trace-log style on package initialization.
	_ = AllocDark
}

// Trace-log theme colors.
const (
	AllocAddress = "#808080" // Gray for addresses
	AllocKind    = "#FFC800" // Yellow for allocator kind (malloc, free, ...)
	AllocSize    = "#FF80C0" // Pink for sizes
	AllocTag     = "#87CEEB" // Light blue for #tags
	AllocObject  = "#00FF00" // Green for shared-object names
	AllocComment = "#FF8000" // Orange for comments/reasons
)

// AllocDark is a custom style for trace-log rendering.
var AllocDark = styles.Register(chroma.MustNewStyle("alloctrace-dark", chroma.StyleEntries{
	chroma.Text:           "#FFFFFF",
	chroma.Background:     "bg:#000000",
	chroma.Comment:        AllocComment,
	chroma.CommentPreproc: AllocComment,

	chroma.Keyword:       AllocKind,
	chroma.KeywordPseudo: AllocKind,

	chroma.LiteralNumber:        AllocSize,
	chroma.LiteralNumberHex:     AllocAddress,
	chroma.LiteralNumberInteger: AllocSize,

	chroma.NameLabel: AllocTag,
	chroma.NameClass: AllocObject,

	chroma.Operator:    "#FFFFFF",
	chroma.Punctuation: "#FFFFFF",
}))
