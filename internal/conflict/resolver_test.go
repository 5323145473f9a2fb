package conflict

import (
	"encoding/json"
	"testing"

	"github.com/bodegapos/backend/internal/crdt"
	"github.com/bodegapos/backend/internal/vclock"
)

func TestDetectConflictRequiresSameEntityAndConcurrency(t *testing.T) {
	base := CandidateEvent{
		EventID:    "evt-1",
		EntityType: "product",
		EntityID:   "prod-1",
		Payload:    json.RawMessage(`{"price_usd":2.5}`),
		Timestamp:  1700000000000,
		DeviceID:   "caja-1",
		Clock:      vclock.Clock{"caja-1": 5, "caja-2": 3},
	}

	testCases := []struct {
		name        string
		other       CandidateEvent
		wantConflict bool
		wantRelation vclock.Relation
	}{
		{
			name: "concurrent same entity conflicts",
			other: CandidateEvent{
				EventID:    "evt-2",
				EntityType: "product",
				EntityID:   "prod-1",
				Timestamp:  1700000001000,
				DeviceID:   "caja-2",
				Clock:      vclock.Clock{"caja-1": 4, "caja-2": 7},
			},
			wantConflict: true,
			wantRelation: vclock.RelationConcurrent,
		},
		{
			name: "causally ordered same entity does not conflict",
			other: CandidateEvent{
				EventID:    "evt-3",
				EntityType: "product",
				EntityID:   "prod-1",
				DeviceID:   "caja-2",
				Clock:      vclock.Clock{"caja-1": 5, "caja-2": 4},
			},
			wantConflict: false,
			wantRelation: vclock.RelationBefore,
		},
		{
			name: "different entity never conflicts",
			other: CandidateEvent{
				EventID:    "evt-4",
				EntityType: "product",
				EntityID:   "prod-2",
				DeviceID:   "caja-2",
				Clock:      vclock.Clock{"caja-1": 4, "caja-2": 7},
			},
			wantConflict: false,
			wantRelation: vclock.RelationEqual,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			detection := DetectConflict(base, testCase.other)
			if detection.HasConflict != testCase.wantConflict {
				t.Fatalf("HasConflict = %v, want %v", detection.HasConflict, testCase.wantConflict)
			}
			if detection.Relation != testCase.wantRelation {
				t.Fatalf("Relation = %v, want %v", detection.Relation, testCase.wantRelation)
			}
		})
	}
}

func TestDetectConflictPicksEntityStrategy(t *testing.T) {
	left := CandidateEvent{
		EntityType: "product",
		EntityID:   "prod-9",
		DeviceID:   "caja-1",
		Clock:      vclock.Clock{"caja-1": 2},
	}
	right := CandidateEvent{
		EntityType: "product",
		EntityID:   "prod-9",
		DeviceID:   "caja-2",
		Clock:      vclock.Clock{"caja-2": 1},
	}

	detection := DetectConflict(left, right)
	if !detection.HasConflict {
		t.Fatalf("expected concurrent product edits to conflict")
	}
	if detection.Strategy != crdt.StrategyMVR {
		t.Fatalf("product strategy = %s, want %s", detection.Strategy, crdt.StrategyMVR)
	}
}

func TestResolveConflictLWWPicksLatestTimestamp(t *testing.T) {
	events := []CandidateEvent{
		{
			EventID:   "evt-old",
			EntityType: "customer",
			EntityID:   "cust-1",
			Payload:   json.RawMessage(`{"name":"Maria"}`),
			Timestamp: 1700000000000,
			DeviceID:  "caja-1",
			Clock:     vclock.Clock{"caja-1": 3},
		},
		{
			EventID:   "evt-new",
			EntityType: "customer",
			EntityID:   "cust-1",
			Payload:   json.RawMessage(`{"name":"Maria G"}`),
			Timestamp: 1700000005000,
			DeviceID:  "caja-2",
			Clock:     vclock.Clock{"caja-2": 2},
		},
	}

	resolution, err := ResolveConflict(events, crdt.StrategyLWW)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !resolution.Resolved {
		t.Fatalf("expected lww resolution to settle")
	}
	if resolution.WinnerEventID != "evt-new" {
		t.Fatalf("winner = %s, want evt-new", resolution.WinnerEventID)
	}
	if len(resolution.LoserEventIDs) != 1 || resolution.LoserEventIDs[0] != "evt-old" {
		t.Fatalf("losers = %v, want [evt-old]", resolution.LoserEventIDs)
	}
	if string(resolution.ResolvedValue) != `{"name":"Maria G"}` {
		t.Fatalf("resolved value = %s", resolution.ResolvedValue)
	}
}

func TestResolveConflictLWWTimestampTieBreaksOnDeviceID(t *testing.T) {
	events := []CandidateEvent{
		{EventID: "evt-a", EntityType: "customer", EntityID: "cust-2", Payload: json.RawMessage(`"a"`), Timestamp: 1700000000000, DeviceID: "caja-1"},
		{EventID: "evt-b", EntityType: "customer", EntityID: "cust-2", Payload: json.RawMessage(`"b"`), Timestamp: 1700000000000, DeviceID: "caja-2"},
	}

	resolution, err := ResolveConflict(events, crdt.StrategyLWW)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolution.WinnerEventID != "evt-b" {
		t.Fatalf("winner = %s, want evt-b (higher device id)", resolution.WinnerEventID)
	}
}

func TestResolveConflictAWSetKeepsEveryConcurrentAdd(t *testing.T) {
	events := []CandidateEvent{
		{EventID: "evt-s1", EntityType: "sale", EntityID: "sale-1", Payload: json.RawMessage(`{"sale_id":"s1"}`), Timestamp: 1, DeviceID: "caja-1"},
		{EventID: "evt-s2", EntityType: "sale", EntityID: "sale-1", Payload: json.RawMessage(`{"sale_id":"s2"}`), Timestamp: 2, DeviceID: "caja-2"},
	}

	resolution, err := ResolveConflict(events, crdt.StrategyAWSet)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !resolution.Resolved {
		t.Fatalf("expected awset resolution to settle")
	}
	if len(resolution.LoserEventIDs) != 0 {
		t.Fatalf("awset must have no losers, got %v", resolution.LoserEventIDs)
	}

	var values []json.RawMessage
	if err := json.Unmarshal(resolution.ResolvedValue, &values); err != nil {
		t.Fatalf("resolved value is not a list: %v", err)
	}
	if len(values) != 2 {
		t.Fatalf("expected both sale payloads to survive, got %d", len(values))
	}
}

func TestResolveConflictMVRSendsSurvivorsToManualReview(t *testing.T) {
	events := []CandidateEvent{
		{
			EventID:   "evt-p1",
			EntityType: "product",
			EntityID:   "prod-1",
			Payload:   json.RawMessage(`{"price_usd":2.0}`),
			Timestamp: 1700000000000,
			DeviceID:  "caja-1",
			Clock:     vclock.Clock{"caja-1": 4},
		},
		{
			EventID:   "evt-p2",
			EntityType: "product",
			EntityID:   "prod-1",
			Payload:   json.RawMessage(`{"price_usd":3.0}`),
			Timestamp: 1700000001000,
			DeviceID:  "caja-2",
			Clock:     vclock.Clock{"caja-2": 6},
		},
	}

	resolution, err := ResolveConflict(events, crdt.StrategyMVR)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolution.Resolved {
		t.Fatalf("concurrent mvr values must not auto-resolve")
	}
	if !resolution.RequiresManualReview {
		t.Fatalf("expected manual review flag")
	}
}

func TestResolveConflictMVRDominatedValueIsPruned(t *testing.T) {
	events := []CandidateEvent{
		{
			EventID:   "evt-p1",
			EntityType: "product",
			EntityID:   "prod-2",
			Payload:   json.RawMessage(`{"price_usd":2.0}`),
			Timestamp: 1700000000000,
			DeviceID:  "caja-1",
			Clock:     vclock.Clock{"caja-1": 4},
		},
		{
			EventID:   "evt-p2",
			EntityType: "product",
			EntityID:   "prod-2",
			Payload:   json.RawMessage(`{"price_usd":3.0}`),
			Timestamp: 1700000001000,
			DeviceID:  "caja-2",
			Clock:     vclock.Clock{"caja-1": 4, "caja-2": 1},
		},
	}

	resolution, err := ResolveConflict(events, crdt.StrategyMVR)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !resolution.Resolved {
		t.Fatalf("dominated value should leave a single survivor")
	}
	if resolution.WinnerEventID != "evt-p2" {
		t.Fatalf("winner = %s, want evt-p2", resolution.WinnerEventID)
	}
}

func TestResolveConflictCounterSumsDeltas(t *testing.T) {
	events := []CandidateEvent{
		{EventID: "evt-m1", EntityType: "inventory_movement", EntityID: "prod-1", Payload: json.RawMessage(`{"qty_delta":5}`), Timestamp: 1, DeviceID: "caja-1"},
		{EventID: "evt-m2", EntityType: "inventory_movement", EntityID: "prod-1", Payload: json.RawMessage(`{"qty_delta":-2}`), Timestamp: 2, DeviceID: "caja-2"},
	}

	resolution, err := ResolveConflict(events, crdt.StrategyGCounter)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	var counter crdt.PNCounter
	if err := json.Unmarshal(resolution.ResolvedValue, &counter); err != nil {
		t.Fatalf("resolved value is not a counter: %v", err)
	}
	if counter.Value() != 3 {
		t.Fatalf("counter value = %d, want 3", counter.Value())
	}
}

func TestResolveConflictRejectsShortInput(t *testing.T) {
	_, err := ResolveConflict([]CandidateEvent{{EventID: "only"}}, crdt.StrategyLWW)
	if err == nil {
		t.Fatalf("expected error for single event")
	}
}

func TestClassifyPriority(t *testing.T) {
	testCases := []struct {
		entityType string
		fieldName  string
		want       Priority
	}{
		{"sale", "total_bs", PriorityCritical},
		{"cash_session", "final_balance", PriorityCritical},
		{"product", "price_usd", PriorityHigh},
		{"inventory_movement", "quantity", PriorityHigh},
		{"customer", "name", PriorityMedium},
		{"product", "description", PriorityLow},
	}

	for _, testCase := range testCases {
		got := ClassifyPriority(testCase.entityType, testCase.fieldName)
		if got != testCase.want {
			t.Fatalf("ClassifyPriority(%s, %s) = %s, want %s", testCase.entityType, testCase.fieldName, got, testCase.want)
		}
	}
}
