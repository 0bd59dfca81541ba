package lifecycle

import (
	"reflect"
	"strings"
	"testing"

	"machinist/internal/sandbox"
)

// The code instructions document the scratch API; the signatures they
// promise have to be the ones the sandbox actually exports, or generated
// code fails evaluation.
func TestCodeInstructionsMatchScratchAPI(t *testing.T) {
	symbols := sandbox.ScratchAPI()
	wantDocs := map[string]string{
		"WriteFile": "scratch.WriteFile(name string, data []byte) error",
		"ReadFile":  "scratch.ReadFile(name string) ([]byte, error)",
		"List":      "scratch.List() ([]string, error)",
	}
	wantTypes := map[string]reflect.Type{
		"WriteFile": reflect.TypeOf(func(string, []byte) error { return nil }),
		"ReadFile":  reflect.TypeOf(func(string) ([]byte, error) { return nil, nil }),
		"List":      reflect.TypeOf(func() ([]string, error) { return nil, nil }),
	}

	for name, doc := range wantDocs {
		if !strings.Contains(codeSystem, doc) {
			t.Errorf("code instructions missing %q", doc)
		}
		sym, ok := symbols[name]
		if !ok {
			t.Errorf("scratch symbol %s not exported", name)
			continue
		}
		if sym.Type() != wantTypes[name] {
			t.Errorf("scratch.%s has type %v, documented as %v", name, sym.Type(), wantTypes[name])
		}
	}
}
