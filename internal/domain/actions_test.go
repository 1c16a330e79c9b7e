package domain

import "testing"

func TestIntentAction(t *testing.T) {
	if a, ok := IntentMerge.Action(); !ok || a != ActionMerge {
		t.Fatalf("pr.merge should map to merge action")
	}
	if _, ok := IntentConfirm.Action(); ok {
		t.Fatalf("confirmation has no action type")
	}
	if !IntentSelect.Known() || Intent("pr.close").Known() {
		t.Fatalf("Known() mismatch")
	}
}

func TestSideEffecting(t *testing.T) {
	for _, a := range []ActionType{ActionRequestReview, ActionMerge, ActionRerunChecks, ActionAgentDelegate} {
		if !a.SideEffecting() {
			t.Fatalf("%s should be side-effecting", a)
		}
	}
	for _, a := range []ActionType{ActionPRList, ActionPRSummarize, ActionPRStatus, ActionAgentStatus} {
		if a.SideEffecting() {
			t.Fatalf("%s should be read-only", a)
		}
	}
	if !ActionMerge.Irreversible() || ActionRerunChecks.Irreversible() {
		t.Fatalf("only merge is irreversible")
	}
}

func TestEncodeDecodePayload(t *testing.T) {
	raw, err := EncodePayload(&MergePayload{Repo: " Acme/API ", PRNumber: 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	p, err := DecodePayload(ActionMerge, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	mp, ok := p.(*MergePayload)
	if !ok {
		t.Fatalf("got %T", p)
	}
	if mp.Repo != "acme/api" || mp.Method != "merge" || mp.Target() != "acme/api#3" {
		t.Fatalf("unexpected payload %+v target=%s", mp, mp.Target())
	}
	if _, err := DecodePayload("pr.close", raw); err == nil {
		t.Fatalf("unknown action type should fail")
	}
	if _, err := DecodePayload(ActionMerge, []byte("{")); err == nil {
		t.Fatalf("malformed payload should fail")
	}
}

func TestDelegateTarget(t *testing.T) {
	p := &DelegatePayload{Repo: "acme/api", IssueNumber: 12, Instruction: "  fix   the bug "}
	Normalize(p)
	if p.Target() != "acme/api#12" || p.Provider != "github" || p.Instruction != "fix the bug" {
		t.Fatalf("unexpected %+v", p)
	}
}

func TestAgentTaskTransitions(t *testing.T) {
	ok := [][2]AgentTaskStatus{
		{TaskCreated, TaskRunning},
		{TaskRunning, TaskRunning},
		{TaskRunning, TaskNeedsInput},
		{TaskNeedsInput, TaskRunning},
		{TaskRunning, TaskCompleted},
		{TaskNeedsInput, TaskFailed},
	}
	for _, tr := range ok {
		if !CanTransition(tr[0], tr[1]) {
			t.Fatalf("%s -> %s should be allowed", tr[0], tr[1])
		}
	}
	bad := [][2]AgentTaskStatus{
		{TaskCompleted, TaskRunning},
		{TaskFailed, TaskCompleted},
		{TaskNeedsInput, TaskNeedsInput},
		{TaskRunning, TaskCreated},
	}
	for _, tr := range bad {
		if CanTransition(tr[0], tr[1]) {
			t.Fatalf("%s -> %s should be rejected", tr[0], tr[1])
		}
	}
	if !TaskFailed.Terminal() || TaskRunning.Terminal() || AgentTaskStatus("x").Valid() {
		t.Fatalf("status predicates mismatch")
	}
	src := SourcesFor(TaskRunning)
	if len(src) != 3 {
		t.Fatalf("running reachable from created/running/needs_input, got %v", src)
	}
}
