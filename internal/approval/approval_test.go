package approval

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/xonecas/agentkernel/internal/registry"
)

type stubRequester struct {
	resp    Response
	err     error
	calls   int
}

func (s *stubRequester) RequestApproval(ctx context.Context, toolName string, params json.RawMessage) (Response, error) {
	s.calls++
	return s.resp, s.err
}

func TestResolveRule1Yolo(t *testing.T) {
	g := New(&stubRequester{})
	d, err := g.Resolve(context.Background(), "Edit", registry.CategoryWrite, true, ModeYolo, nil, nil)
	if err != nil || !d.Approved {
		t.Fatalf("expected yolo to approve a write tool, got %+v err=%v", d, err)
	}
}

func TestResolveRule1YoloDoesNotApproveAsk(t *testing.T) {
	req := &stubRequester{resp: Response{Kind: ResponseApprove}}
	g := New(req)
	d, err := g.Resolve(context.Background(), "AskUser", registry.CategoryAsk, true, ModeYolo, nil, nil)
	if err != nil || !d.Approved {
		t.Fatalf("unexpected result: %+v err=%v", d, err)
	}
	if req.calls != 1 {
		t.Fatalf("expected yolo to still suspend for ask-category tools, got %d calls", req.calls)
	}
}

func TestResolveRule2Read(t *testing.T) {
	g := New(&stubRequester{})
	d, err := g.Resolve(context.Background(), "Read", registry.CategoryRead, true, ModeDefault, nil, nil)
	if err != nil || !d.Approved {
		t.Fatalf("expected read tools to always approve, got %+v err=%v", d, err)
	}
}

func TestResolveRule4AutoEdit(t *testing.T) {
	g := New(&stubRequester{})
	cfg := &SessionPolicy{ApprovalMode: ModeAutoEdit}
	d, err := g.Resolve(context.Background(), "Edit", registry.CategoryWrite, true, ModeDefault, nil, cfg)
	if err != nil || !d.Approved {
		t.Fatalf("expected autoEdit session policy to approve write, got %+v err=%v", d, err)
	}
}

func TestResolveRule5AlwaysApprovedTool(t *testing.T) {
	g := New(&stubRequester{})
	cfg := &SessionPolicy{ApprovalTools: map[string]bool{"Shell": true}}
	d, err := g.Resolve(context.Background(), "Shell", registry.CategoryCommand, true, ModeDefault, nil, cfg)
	if err != nil || !d.Approved {
		t.Fatalf("expected pre-approved tool to approve, got %+v err=%v", d, err)
	}
}

func TestResolveRule6Deny(t *testing.T) {
	req := &stubRequester{resp: Response{Kind: ResponseDeny}}
	g := New(req)
	d, err := g.Resolve(context.Background(), "Shell", registry.CategoryCommand, true, ModeDefault, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Approved {
		t.Fatal("expected deny to reject the call")
	}
}

func TestResolveRule6ApproveAlwaysEditPersists(t *testing.T) {
	req := &stubRequester{resp: Response{Kind: ResponseApproveAlwaysEdit}}
	g := New(req)
	cfg := &SessionPolicy{}
	d, err := g.Resolve(context.Background(), "Edit", registry.CategoryWrite, true, ModeDefault, nil, cfg)
	if err != nil || !d.Approved {
		t.Fatalf("expected approval, got %+v err=%v", d, err)
	}
	if cfg.ApprovalMode != ModeAutoEdit {
		t.Fatalf("expected session policy to persist autoEdit, got %q", cfg.ApprovalMode)
	}
}

// TestApprovalDeterminism checks rule 6 never fires when an earlier rule
// already resolves the call.
func TestApprovalDeterminism(t *testing.T) {
	req := &stubRequester{resp: Response{Kind: ResponseDeny}}
	g := New(req)
	cfg := &SessionPolicy{ApprovalMode: ModeAutoEdit}
	d, err := g.Resolve(context.Background(), "Edit", registry.CategoryWrite, true, ModeDefault, nil, cfg)
	if err != nil || !d.Approved {
		t.Fatalf("expected rule 4 to approve before rule 6 is consulted, got %+v err=%v", d, err)
	}
	if req.calls != 0 {
		t.Fatalf("expected rule 6 to never fire once rule 4 resolved the call, got %d calls", req.calls)
	}
}
