package treesitter

import (
	"strings"
	"testing"
)

const goFixture = `package main

import "fmt"

const Version = "1.0"

var Debug bool

type Server struct {
	addr string
	port int
}

type Handler interface {
	Handle(req string) string
}

func main() {
	fmt.Println("hello")
}

func (s *Server) Start() error {
	return nil
}
`

func parseFixture(t *testing.T) []Symbol {
	t.Helper()
	syms, err := ParseSource("test.go", []byte(goFixture))
	if err != nil {
		t.Fatalf("ParseSource: %v", err)
	}
	return syms
}

func findSymbol(syms []Symbol, name string, kind Kind) (Symbol, bool) {
	for _, s := range syms {
		if s.Name == name && s.Kind == kind {
			return s, true
		}
	}
	return Symbol{}, false
}

func TestParseSourceExtractsDeclarations(t *testing.T) {
	syms := parseFixture(t)

	for _, want := range []struct {
		name string
		kind Kind
	}{
		{"main", KindPackage},
		{"Version", KindConst},
		{"Debug", KindVar},
		{"Server", KindStruct},
		{"Handler", KindInterface},
		{"main", KindFunction},
		{"Start", KindMethod},
	} {
		if _, ok := findSymbol(syms, want.name, want.kind); !ok {
			t.Errorf("missing %s %q", want.kind, want.name)
		}
	}
}

func TestParseSourceStructAndInterfaceMembers(t *testing.T) {
	syms := parseFixture(t)

	server, ok := findSymbol(syms, "Server", KindStruct)
	if !ok {
		t.Fatal("Server struct not found")
	}
	fields := map[string]bool{}
	for _, f := range server.Members {
		fields[f.Name] = true
	}
	if !fields["addr"] || !fields["port"] {
		t.Errorf("Server members = %+v", server.Members)
	}

	handler, ok := findSymbol(syms, "Handler", KindInterface)
	if !ok {
		t.Fatal("Handler interface not found")
	}
	if len(handler.Members) != 1 || handler.Members[0].Name != "Handle" {
		t.Errorf("Handler members = %+v", handler.Members)
	}
}

func TestParseSourceMethodDetails(t *testing.T) {
	syms := parseFixture(t)

	start, ok := findSymbol(syms, "Start", KindMethod)
	if !ok {
		t.Fatal("Start method not found")
	}
	if start.Receiver != "*Server" {
		t.Errorf("receiver = %q", start.Receiver)
	}
	if !strings.Contains(start.Signature, "func (s *Server) Start()") {
		t.Errorf("signature = %q", start.Signature)
	}
	if start.Line == 0 || start.EndLine < start.Line {
		t.Errorf("lines = %d..%d", start.Line, start.EndLine)
	}
}

func TestParseSourceUnsupportedExtension(t *testing.T) {
	syms, err := ParseSource("notes.txt", []byte("not code"))
	if err != nil || syms != nil {
		t.Fatalf("unsupported file: syms=%v err=%v", syms, err)
	}
	if Supported("notes.txt") {
		t.Error("txt must not be supported")
	}
	if !Supported("main.go") {
		t.Error("go must be supported")
	}
}

func TestOutlineRendering(t *testing.T) {
	snapshot := map[string][]Symbol{
		"pkg/server.go": {
			{Name: "pkg", Kind: KindPackage},
			{Name: "Server", Kind: KindStruct},
			{Name: "Start", Kind: KindMethod, Receiver: "*Server"},
			{Name: "Stop", Kind: KindMethod, Receiver: "*Server"},
			{Name: "New", Kind: KindFunction},
			{Name: "DefaultPort", Kind: KindConst},
		},
	}

	out := Outline(snapshot)
	if !strings.Contains(out, "pkg/server.go:") {
		t.Errorf("missing file header:\n%s", out)
	}
	if !strings.Contains(out, "type: Server (struct)") {
		t.Errorf("missing type row:\n%s", out)
	}
	if !strings.Contains(out, "*Server: Start, Stop") {
		t.Errorf("missing method row:\n%s", out)
	}
	if !strings.Contains(out, "func: New") {
		t.Errorf("missing func row:\n%s", out)
	}
	if strings.Contains(out, "pkg,") || strings.Contains(out, "import") {
		t.Errorf("package/import noise leaked:\n%s", out)
	}

	if Outline(nil) != "" {
		t.Error("empty snapshot must render empty")
	}
}
