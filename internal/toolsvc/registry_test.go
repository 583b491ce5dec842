package toolsvc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/telyx/turnguard/pkg/contract"
)

type fakeTool struct {
	name             string
	idempotent       bool
	verify           bool
	outboundHostname string
	calls            int
	result           *Result
	err              error
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "fake tool for tests" }
func (f *fakeTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`)
}
func (f *fakeTool) RequiresVerification() bool { return f.verify }
func (f *fakeTool) Idempotent() bool           { return f.idempotent }
func (f *fakeTool) OutboundHostname(params json.RawMessage) (string, bool) {
	if f.outboundHostname == "" {
		return "", false
	}
	return f.outboundHostname, true
}
func (f *fakeTool) Execute(ctx context.Context, sessionID string, params json.RawMessage) (*Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &Result{Name: f.name, Outcome: contract.OutcomeOK, Success: true}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	tool := &fakeTool{name: "lookup_order"}
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, ok := r.Get("lookup_order")
	if !ok {
		t.Fatalf("Get() ok = false, want true")
	}
	if got.Name() != "lookup_order" {
		t.Errorf("Get().Name() = %q, want %q", got.Name(), "lookup_order")
	}
}

func TestRegistry_RegisterInvalidSchema(t *testing.T) {
	r := NewRegistry()
	tool := &fakeTool{name: "broken"}
	// Override schema with invalid JSON by wrapping.
	badSchema := brokenSchemaTool{fakeTool: tool}
	if err := r.Register(badSchema); err == nil {
		t.Fatal("Register() error = nil, want error for invalid schema")
	}
}

type brokenSchemaTool struct{ *fakeTool }

func (b brokenSchemaTool) Schema() json.RawMessage { return json.RawMessage(`{not json`) }

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()
	tool := &fakeTool{name: "lookup_order"}
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tests := []struct {
		name    string
		params  json.RawMessage
		wantErr bool
	}{
		{"valid", json.RawMessage(`{"id":"o-1"}`), false},
		{"missing required field", json.RawMessage(`{}`), true},
		{"wrong type", json.RawMessage(`{"id":5}`), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate("lookup_order", tt.params)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%s) error = %v, wantErr %v", tt.params, err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_DispatchToolNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.dispatch(context.Background(), "sess-1", "missing", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("dispatch() error = nil, want error for unknown tool")
	}
}

func TestRegistry_DispatchNameTooLong(t *testing.T) {
	r := NewRegistry()
	longName := make([]byte, MaxToolNameLength+1)
	for i := range longName {
		longName[i] = 'a'
	}
	_, err := r.dispatch(context.Background(), "sess-1", string(longName), json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("dispatch() error = nil, want error for oversized tool name")
	}
}
