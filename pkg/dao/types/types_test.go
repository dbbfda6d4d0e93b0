package types

import (
	"testing"
	"time"
)

func TestJournalKeySelection(t *testing.T) {
	move := &OpState{ID: 1, Type: OpTypeMoveSubtree, SubtreeEntry: 1001, Blob: []byte("x"),
		Participants: []Subtree{{Server: "mds-2", EntryInode: 2}}}
	if move.JournalKey() != ServerJournalKey {
		t.Errorf("MoveSubtree must log to the server journal, got %d", move.JournalKey())
	}

	create := &OpState{ID: 2, Type: OpTypeCreateINode, SubtreeEntry: 1001, Blob: []byte("x"),
		Participants: []Subtree{{Server: "mds-2", EntryInode: 2}}}
	if create.JournalKey() != 1001 {
		t.Errorf("CreateINode must log to its subtree journal, got %d", create.JournalKey())
	}
}

func TestRequiresUndo(t *testing.T) {
	cases := []struct {
		opType OpType
		want   bool
	}{
		{OpTypeMoveSubtree, true},
		{OpTypeChangePartitionOwnership, true},
		{OpTypeCreateINode, false},
		{OpTypeSetAttr, false},
		{OpTypeOrderedOperationTest, false},
	}
	for _, tc := range cases {
		if got := tc.opType.RequiresUndo(); got != tc.want {
			t.Errorf("%s.RequiresUndo() = %v, want %v", tc.opType, got, tc.want)
		}
	}
}

func TestLoadBalancingResultRouting(t *testing.T) {
	if !OpTypeMoveSubtree.LoadBalancingResult() {
		t.Error("MoveSubtree results belong on the load-balancing queue")
	}
	if !OpTypeOOELBTest.LoadBalancingResult() {
		t.Error("OOELBTest results belong on the load-balancing queue")
	}
	if OpTypeCreateINode.LoadBalancingResult() {
		t.Error("CreateINode results belong on the metadata queue")
	}
}

func TestOpStateValidate(t *testing.T) {
	valid := &OpState{
		ID:           1,
		Type:         OpTypeCreateINode,
		Protocol:     ProtocolTPC,
		Participants: []Subtree{{Server: "mds-2", EntryInode: 2}},
		Blob:         []byte("x"),
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid state rejected: %v", err)
	}

	zeroID := *valid
	zeroID.ID = 0
	if err := zeroID.Validate(); err == nil {
		t.Error("zero id accepted")
	}

	emptyBlob := *valid
	emptyBlob.Blob = nil
	if err := emptyBlob.Validate(); err == nil {
		t.Error("empty blob accepted")
	}

	noParticipants := *valid
	noParticipants.Participants = nil
	if err := noParticipants.Validate(); err == nil {
		t.Error("empty participant list accepted for TPC")
	}

	ooeHead := &OpState{
		ID:       2,
		Type:     OpTypeOrderedOperationTest,
		Protocol: ProtocolOOE,
		Blob:     []byte("x"),
	}
	if err := ooeHead.Validate(); err != nil {
		t.Errorf("OOE chain head without participants rejected: %v", err)
	}
}

func TestReplyTargetAndSuccessor(t *testing.T) {
	op := &OpState{
		ID:       3,
		Type:     OpTypeOrderedOperationTest,
		Protocol: ProtocolOOE,
		Status:   StatusOOEWaitResult,
		Blob:     []byte("x"),
		Participants: []Subtree{
			{Server: "mds-2", EntryInode: 2},
			{Server: "mds-3", EntryInode: 3},
		},
		OverallDeadline: time.Now(),
	}
	reply, ok := op.ReplyTarget()
	if !ok || reply.Server != "mds-2" {
		t.Errorf("ReplyTarget() = %v, %v; want predecessor mds-2", reply, ok)
	}
	successor, ok := op.Successor()
	if !ok || successor.Server != "mds-3" {
		t.Errorf("Successor() = %v, %v; want mds-3", successor, ok)
	}

	head := &OpState{ID: 4, Protocol: ProtocolOOE, Status: StatusOOEComp, Blob: []byte("x")}
	if _, ok := head.ReplyTarget(); ok {
		t.Error("chain head must have no reply target")
	}
}
