// Package arch_test provides architectural boundary tests.
// This file focuses on Interface Segregation Principle validation.
package arch_test

import (
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"strings"
	"testing"
)

// maxPortMethods bounds the size of any port interface.
const maxPortMethods = 8

func parsePorts(t *testing.T) map[string]*ast.File {
	t.Helper()
	paths, err := filepath.Glob("../core/ports/*.go")
	if err != nil {
		t.Fatalf("glob ports: %v", err)
	}
	fset := token.NewFileSet()
	files := map[string]*ast.File{}
	for _, p := range paths {
		if strings.HasSuffix(p, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, p, nil, 0)
		if err != nil {
			t.Fatalf("parse %s: %v", p, err)
		}
		files[p] = f
	}
	if len(files) == 0 {
		t.Fatal("no port files found")
	}
	return files
}

func eachInterface(files map[string]*ast.File, fn func(file, name string, it *ast.InterfaceType)) {
	for path, f := range files {
		ast.Inspect(f, func(n ast.Node) bool {
			ts, ok := n.(*ast.TypeSpec)
			if !ok {
				return true
			}
			if it, ok := ts.Type.(*ast.InterfaceType); ok {
				fn(path, ts.Name.Name, it)
			}
			return false
		})
	}
}

// Test_Interface_Segregation ensures that ports stay small.
func Test_Interface_Segregation(t *testing.T) {
	eachInterface(parsePorts(t), func(file, name string, it *ast.InterfaceType) {
		methods := 0
		for _, m := range it.Methods.List {
			if _, ok := m.Type.(*ast.FuncType); ok {
				methods += len(m.Names)
			}
		}
		if methods > maxPortMethods {
			t.Errorf("%s: interface %s has %d methods, max %d", file, name, methods, maxPortMethods)
		}
	})
}

// Test_Port_Naming_Conventions ensures port interfaces are exported and
// carry no implementation suffixes.
func Test_Port_Naming_Conventions(t *testing.T) {
	eachInterface(parsePorts(t), func(file, name string, _ *ast.InterfaceType) {
		if !ast.IsExported(name) {
			t.Errorf("%s: port interface %s should be exported", file, name)
		}
		for _, suffix := range []string{"Impl", "Interface"} {
			if strings.HasSuffix(name, suffix) {
				t.Errorf("%s: port interface %s should not end in %q", file, name, suffix)
			}
		}
	})
}

// Test_Ports_Do_Not_Import_Adapters keeps port files free of concrete
// infrastructure.
func Test_Ports_Do_Not_Import_Adapters(t *testing.T) {
	for path, f := range parsePorts(t) {
		for _, imp := range f.Imports {
			p := strings.Trim(imp.Path.Value, `"`)
			if strings.Contains(p, "/internal/adapters") || strings.HasPrefix(p, "net/") || p == "crypto/tls" {
				t.Errorf("%s imports %s", path, p)
			}
		}
	}
}
