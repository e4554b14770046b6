package treesitter

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
)

// grammarFor maps a file extension to its tree-sitter grammar, or nil.
func grammarFor(ext string) *sitter.Language {
	switch ext {
	case ".go":
		return golang.GetLanguage()
	default:
		return nil
	}
}

// Supported reports whether a grammar exists for the file.
func Supported(path string) bool {
	return grammarFor(strings.ToLower(filepath.Ext(path))) != nil
}

// ParseFile reads and parses one file into its top-level symbols.
func ParseFile(path string) ([]Symbol, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSource(path, src)
}

// ParseSource parses source bytes into top-level symbols. Unsupported
// extensions yield (nil, nil).
func ParseSource(path string, src []byte) ([]Symbol, error) {
	lang := grammarFor(strings.ToLower(filepath.Ext(path)))
	if lang == nil {
		return nil, nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	ex := extractor{src: src}
	return ex.topLevel(tree.RootNode()), nil
}

// extractor walks a parsed Go tree, carrying the source bytes every
// node's text is sliced from.
type extractor struct {
	src []byte
}

func (ex extractor) topLevel(root *sitter.Node) []Symbol {
	var syms []Symbol
	for i := 0; i < int(root.ChildCount()); i++ {
		node := root.Child(i)
		switch node.Type() {
		case "package_clause":
			if id := node.NamedChild(0); id != nil && id.Type() == "package_identifier" {
				syms = append(syms, ex.symbol(node, ex.text(id), KindPackage))
			}
		case "import_declaration":
			syms = append(syms, ex.symbol(node, strings.TrimSpace(ex.text(node)), KindImport))
		case "function_declaration":
			syms = append(syms, ex.function(node))
		case "method_declaration":
			syms = append(syms, ex.method(node))
		case "type_declaration":
			syms = append(syms, ex.typeDecl(node)...)
		case "const_declaration":
			syms = append(syms, ex.valueDecl(node, "const_spec", KindConst)...)
		case "var_declaration":
			syms = append(syms, ex.valueDecl(node, "var_spec", KindVar)...)
		}
	}
	return syms
}

// symbol builds the common Symbol fields from a node.
func (ex extractor) symbol(node *sitter.Node, name string, kind Kind) Symbol {
	return Symbol{
		Name:    name,
		Kind:    kind,
		Line:    int(node.StartPoint().Row) + 1,
		EndLine: int(node.EndPoint().Row) + 1,
	}
}

func (ex extractor) text(node *sitter.Node) string {
	return node.Content(ex.src)
}

func (ex extractor) fieldText(node *sitter.Node, field string) string {
	if f := node.ChildByFieldName(field); f != nil {
		return ex.text(f)
	}
	return ""
}

func (ex extractor) function(node *sitter.Node) Symbol {
	sym := ex.symbol(node, ex.fieldText(node, "name"), KindFunction)
	sym.Signature = ex.signature("", sym.Name, node)
	return sym
}

func (ex extractor) method(node *sitter.Node) Symbol {
	sym := ex.symbol(node, ex.fieldText(node, "name"), KindMethod)

	var recvText string
	if recv := node.ChildByFieldName("receiver"); recv != nil {
		recvText = ex.text(recv)
		sym.Receiver = ex.receiverType(recv)
	}
	sym.Signature = ex.signature(recvText, sym.Name, node)
	return sym
}

// receiverType digs the bare type name out of a receiver parameter list.
func (ex extractor) receiverType(recv *sitter.Node) string {
	for i := 0; i < int(recv.ChildCount()); i++ {
		if child := recv.Child(i); child.Type() == "parameter_declaration" {
			if t := child.ChildByFieldName("type"); t != nil {
				return ex.text(t)
			}
		}
	}
	return ""
}

func (ex extractor) signature(receiver, name string, node *sitter.Node) string {
	var b strings.Builder
	b.WriteString("func ")
	if receiver != "" {
		b.WriteString(receiver)
		b.WriteByte(' ')
	}
	b.WriteString(name)
	if params := node.ChildByFieldName("parameters"); params != nil {
		b.WriteString(ex.text(params))
	}
	if result := node.ChildByFieldName("result"); result != nil {
		b.WriteByte(' ')
		b.WriteString(ex.text(result))
	}
	return b.String()
}

func (ex extractor) typeDecl(node *sitter.Node) []Symbol {
	var syms []Symbol
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() == "type_spec" || child.Type() == "type_alias" {
			syms = append(syms, ex.typeSpec(child))
		}
	}
	return syms
}

func (ex extractor) typeSpec(node *sitter.Node) Symbol {
	sym := ex.symbol(node, ex.fieldText(node, "name"), KindType)
	body := node.ChildByFieldName("type")
	if body == nil {
		return sym
	}
	switch body.Type() {
	case "struct_type":
		sym.Kind = KindStruct
		sym.Members = ex.structFields(body)
	case "interface_type":
		sym.Kind = KindInterface
		sym.Members = ex.interfaceMethods(body)
	}
	sym.Signature = "type " + sym.Name + " " + body.Type()
	return sym
}

func (ex extractor) structFields(structNode *sitter.Node) []Symbol {
	body := structNode.ChildByFieldName("body")
	if body == nil {
		for i := 0; i < int(structNode.ChildCount()); i++ {
			if child := structNode.Child(i); child.Type() == "field_declaration_list" {
				body = child
				break
			}
		}
	}
	if body == nil {
		return nil
	}

	var fields []Symbol
	for i := 0; i < int(body.ChildCount()); i++ {
		child := body.Child(i)
		if child.Type() != "field_declaration" {
			continue
		}
		name := child.ChildByFieldName("name")
		if name == nil {
			continue
		}
		f := ex.symbol(child, ex.text(name), KindVar)
		if t := child.ChildByFieldName("type"); t != nil {
			f.Signature = f.Name + " " + ex.text(t)
		}
		fields = append(fields, f)
	}
	return fields
}

func (ex extractor) interfaceMethods(ifaceNode *sitter.Node) []Symbol {
	var methods []Symbol
	for i := 0; i < int(ifaceNode.ChildCount()); i++ {
		child := ifaceNode.Child(i)
		if child.Type() != "method_elem" && child.Type() != "method_spec" {
			continue
		}
		name := child.ChildByFieldName("name")
		if name == nil {
			continue
		}
		m := ex.symbol(child, ex.text(name), KindMethod)
		m.Signature = ex.text(child)
		methods = append(methods, m)
	}
	return methods
}

func (ex extractor) valueDecl(node *sitter.Node, specType string, kind Kind) []Symbol {
	var syms []Symbol
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() != specType {
			continue
		}
		if name := child.ChildByFieldName("name"); name != nil {
			syms = append(syms, ex.symbol(child, ex.text(name), kind))
		}
	}
	return syms
}
