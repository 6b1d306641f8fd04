package tool

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nstogner/overseer/pkg/sandbox"
)

func TestParseArguments(t *testing.T) {
	args, err := ParseArguments(`{"code": "print(1)"}`)
	if err != nil {
		t.Fatalf("valid JSON: %v", err)
	}
	if args["code"] != "print(1)" {
		t.Errorf("args = %v", args)
	}

	args, err = ParseArguments("")
	if err != nil {
		t.Fatalf("empty blob: %v", err)
	}
	if len(args) != 0 {
		t.Errorf("empty blob parsed to %v", args)
	}

	// Trailing comma and single quotes, typical model damage.
	args, err = ParseArguments(`{'status': 'success',}`)
	if err != nil {
		t.Fatalf("repairable JSON: %v", err)
	}
	if args["status"] != "success" {
		t.Errorf("repaired args = %v", args)
	}

	if _, err := ParseArguments("not even close ]["); err == nil {
		t.Error("hopeless blob parsed without error")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(&Terminate{}, &WaitForInput{})

	if _, ok := r.Get("terminate"); !ok {
		t.Error("terminate not registered")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("unexpected tool 'missing'")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "terminate" || names[1] != "wait_for_user_input" {
		t.Errorf("Names = %v", names)
	}

	schemas := r.Schemas()
	if len(schemas) != 2 {
		t.Fatalf("Schemas len = %d", len(schemas))
	}
	if schemas[0].Name != "terminate" || schemas[0].Parameters["type"] != "object" {
		t.Errorf("schema[0] = %+v", schemas[0])
	}

	if !r.IsTerminal("terminate") {
		t.Error("terminate not terminal")
	}
	if r.IsTerminal("wait_for_user_input") {
		t.Error("wait_for_user_input reported terminal")
	}
	if r.IsTerminal("missing") {
		t.Error("missing tool reported terminal")
	}
}

func TestTerminate(t *testing.T) {
	term := &Terminate{}
	res, err := term.Execute(context.Background(), map[string]any{"status": "failure"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Content, "failure") {
		t.Errorf("result = %q", res.Content)
	}

	res, err = term.Execute(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Content, "success") {
		t.Errorf("default status result = %q", res.Content)
	}
}

func TestWaitForInput(t *testing.T) {
	w := &WaitForInput{}
	if !w.Pauses() {
		t.Error("Pauses() = false")
	}

	res, err := w.Execute(context.Background(), map[string]any{
		"message": "pick one",
		"options": []any{"red", "blue"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Content, "pick one") || !strings.Contains(res.Content, "- blue") {
		t.Errorf("result = %q", res.Content)
	}

	if _, err := w.Execute(context.Background(), map[string]any{}); err == nil {
		t.Error("missing message accepted")
	}
}

// fakeManager records sandbox calls.
type fakeManager struct {
	runs    int
	stops   int
	result  *sandbox.Result
	runErr  error
	stopErr error
}

func (m *fakeManager) RunCode(ctx context.Context, sessionID, code string) (*sandbox.Result, error) {
	m.runs++
	if m.runErr != nil {
		return nil, m.runErr
	}
	return m.result, nil
}
func (m *fakeManager) Stop(ctx context.Context, sessionID string) error {
	m.stops++
	return m.stopErr
}
func (m *fakeManager) Close() error { return nil }

func TestPython(t *testing.T) {
	mgr := &fakeManager{result: &sandbox.Result{Output: "42\n"}}
	p := NewPython(mgr, "session-1")

	res, err := p.Execute(context.Background(), map[string]any{"code": "print(42)"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "42\n" {
		t.Errorf("content = %q", res.Content)
	}

	if _, err := p.Execute(context.Background(), map[string]any{}); err == nil {
		t.Error("missing code accepted")
	}

	if err := p.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if err := p.Cleanup(context.Background()); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	if mgr.stops != 1 {
		t.Errorf("stops = %d, want 1 (idempotent cleanup)", mgr.stops)
	}
}

func TestCleanupAllContinuesPastFailures(t *testing.T) {
	bad := NewPython(&fakeManager{stopErr: errors.New("daemon down")}, "s1")
	good := NewPython(&fakeManager{}, "s2")
	// Distinct names so both register.
	r := NewRegistry(&Terminate{})
	r.tools["python_bad"] = bad
	r.tools["python_good"] = good

	err := r.CleanupAll(context.Background())
	if err == nil {
		t.Fatal("CleanupAll swallowed the failure")
	}
	if !good.stopped {
		t.Error("cleanup did not continue past the failing tool")
	}
}
