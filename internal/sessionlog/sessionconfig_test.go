package sessionlog

import (
	"reflect"
	"testing"
)

func TestSessionConfigRoundTrip(t *testing.T) {
	store := NewConfigStore(t.TempDir())

	want := &SessionConfig{
		Summary:               "refactoring the parser",
		ApprovalMode:          "autoEdit",
		ApprovalTools:         []string{"Shell", "Edit"},
		AdditionalDirectories: []string{"/tmp/extra"},
		PastedTextMap:         map[string]string{"p1": "pasted"},
		Model:                 "big-model",
	}
	if _, err := store.Update("sess", func(c *SessionConfig) { *c = *want }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Load("sess")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", got, want)
	}
}

func TestSessionConfigAbsentIsEmpty(t *testing.T) {
	store := NewConfigStore(t.TempDir())
	got, err := store.Load("nope")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got, &SessionConfig{}) {
		t.Errorf("got %+v", got)
	}
}

func TestApprovalToolsDeduplicate(t *testing.T) {
	cfg := &SessionConfig{}
	cfg.AddApprovalTool("Shell")
	cfg.AddApprovalTool("Shell")
	if len(cfg.ApprovalTools) != 1 {
		t.Errorf("tools = %v", cfg.ApprovalTools)
	}
	if !cfg.HasApprovalTool("Shell") || cfg.HasApprovalTool("Edit") {
		t.Error("membership checks wrong")
	}
}
