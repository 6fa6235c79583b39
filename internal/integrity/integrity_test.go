package integrity

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sekimon/internal/model"
)

func sampleEvent() model.SecurityEvent {
	taskID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	return model.SecurityEvent{
		ID:            uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		CreatedAt:     time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
		EventType:     model.EventTaskApproved,
		Severity:      model.SeverityInfo,
		Description:   "task approved by bob",
		RelatedTaskID: &taskID,
		ActorID:       "bob",
		Details:       map[string]any{"action": "payments.capture"},
	}
}

func TestComputeEventHash_Deterministic(t *testing.T) {
	e := sampleEvent()
	h1 := ComputeEventHash(e)
	h2 := ComputeEventHash(e)
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %q != %q", h1, h2)
	}
	if !strings.HasPrefix(h1, "v1:") || len(h1) != 3+64 {
		t.Fatalf("unexpected hash format %q", h1)
	}
}

func TestComputeEventHash_IgnoresSeqAndLocation(t *testing.T) {
	e := sampleEvent()
	h1 := ComputeEventHash(e)

	e.Seq = 99
	e.CreatedAt = e.CreatedAt.In(time.FixedZone("JST", 9*3600))
	if h2 := ComputeEventHash(e); h1 != h2 {
		t.Fatal("seq and time zone must not affect the hash")
	}
}

func TestComputeEventHash_FieldSensitivity(t *testing.T) {
	base := ComputeEventHash(sampleEvent())

	mutations := map[string]func(*model.SecurityEvent){
		"description": func(e *model.SecurityEvent) { e.Description = "task approved by mallory" },
		"severity":    func(e *model.SecurityEvent) { e.Severity = model.SeverityCritical },
		"task":        func(e *model.SecurityEvent) { e.RelatedTaskID = nil },
		"actor":       func(e *model.SecurityEvent) { e.ActorID = "mallory" },
		"details":     func(e *model.SecurityEvent) { e.Details["action"] = "system.echo" },
		"created_at":  func(e *model.SecurityEvent) { e.CreatedAt = e.CreatedAt.Add(time.Microsecond) },
	}
	for name, mutate := range mutations {
		e := sampleEvent()
		mutate(&e)
		if ComputeEventHash(e) == base {
			t.Errorf("changing %s did not change the hash", name)
		}
	}
}

func TestComputeEventHash_FieldBoundaries(t *testing.T) {
	a := sampleEvent()
	a.ActorID, a.IPAddress = "ab", "c"
	b := sampleEvent()
	b.ActorID, b.IPAddress = "a", "bc"
	if ComputeEventHash(a) == ComputeEventHash(b) {
		t.Fatal("length prefixing should separate adjacent fields")
	}
}

func TestVerifyEventHash(t *testing.T) {
	e := sampleEvent()
	e.ContentHash = ComputeEventHash(e)
	if !VerifyEventHash(e) {
		t.Fatal("verification should succeed for an untouched event")
	}
	e.Description = "tampered"
	if VerifyEventHash(e) {
		t.Fatal("verification should fail after tampering")
	}
	e.ContentHash = ""
	if VerifyEventHash(e) {
		t.Fatal("empty hash must not verify")
	}
}

func TestBuildMerkleRoot(t *testing.T) {
	if got := BuildMerkleRoot(nil); got != "" {
		t.Fatalf("empty leaves: got %q", got)
	}
	if got := BuildMerkleRoot([]string{"a"}); got != "a" {
		t.Fatalf("single leaf: got %q", got)
	}

	two := BuildMerkleRoot([]string{"a", "b"})
	if two != hashPair("a", "b") {
		t.Fatal("two leaves should hash as a pair")
	}
	three := BuildMerkleRoot([]string{"a", "b", "c"})
	if three != hashPair(hashPair("a", "b"), hashPair("c", "c")) {
		t.Fatal("odd level should pair the last node with itself")
	}
	if BuildMerkleRoot([]string{"b", "a"}) == two {
		t.Fatal("leaf order must affect the root")
	}
}
