// Package treesitter extracts structural symbols from source files and
// renders them as the compact project outline the kernel injects into a
// session's first request.
package treesitter

// Kind classifies an extracted symbol. The values double as the labels
// used in rendered outlines.
type Kind string

const (
	KindPackage   Kind = "pkg"
	KindImport    Kind = "import"
	KindFunction  Kind = "func"
	KindMethod    Kind = "method"
	KindType      Kind = "type"
	KindStruct    Kind = "struct"
	KindInterface Kind = "interface"
	KindConst     Kind = "const"
	KindVar       Kind = "var"
)

// Symbol is one extracted declaration.
type Symbol struct {
	Name      string
	Kind      Kind
	Signature string // e.g. "func (l *Log) Append(m message.Message) (message.Message, error)"
	Receiver  string // method receiver type; empty otherwise
	Line      int    // 1-indexed start line
	EndLine   int    // 1-indexed end line
	// Members holds struct fields or interface methods.
	Members []Symbol
}
