package store

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parafs/mds/pkg/dao/types"
)

func TestOperationStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Operation Store Suite")
}

func newOp(id types.OperationID) *types.OpState {
	return &types.OpState{
		ID:           id,
		Type:         types.OpTypeCreateINode,
		Protocol:     types.ProtocolTPC,
		Status:       types.StatusTPCCoordComp,
		Participants: []types.Subtree{{Server: "mds-2:49152", EntryInode: 2002}},
		SubtreeEntry: 1001,
		Blob:         []byte("x"),
	}
}

var _ = Describe("Store", func() {
	var s *Store

	BeforeEach(func() {
		s = New()
	})

	Describe("Insert", func() {
		It("should index the operation by id", func() {
			Expect(s.Insert(newOp(42))).To(Succeed())

			op, ok := s.Get(42)
			Expect(ok).To(BeTrue())
			Expect(op.ID).To(Equal(types.OperationID(42)))
			Expect(s.Len()).To(Equal(1))
		})

		It("should reject a second state for the same id", func() {
			Expect(s.Insert(newOp(42))).To(Succeed())
			Expect(s.Insert(newOp(42))).NotTo(Succeed())
		})

		It("should reject invalid operation states", func() {
			op := newOp(0)
			Expect(s.Insert(op)).NotTo(Succeed())

			op = newOp(42)
			op.Blob = nil
			Expect(s.Insert(op)).NotTo(Succeed())
		})
	})

	Describe("Remove", func() {
		It("should forget the operation and its votes", func() {
			Expect(s.Insert(newOp(42))).To(Succeed())
			Expect(s.TryRecordVote(42, "mds-2:49152")).To(BeTrue())

			s.Remove(42)

			_, ok := s.Get(42)
			Expect(ok).To(BeFalse())
			Expect(s.VoteCount(42)).To(BeZero())
		})
	})

	Describe("ForSubtree", func() {
		It("should visit only operations of the given subtree", func() {
			a := newOp(1)
			b := newOp(2)
			b.SubtreeEntry = 9999
			Expect(s.Insert(a)).To(Succeed())
			Expect(s.Insert(b)).To(Succeed())

			var visited []types.OperationID
			s.ForSubtree(1001, func(op *types.OpState) {
				visited = append(visited, op.ID)
			})
			Expect(visited).To(ConsistOf(types.OperationID(1)))
		})
	})

	Describe("FindEquivalent", func() {
		It("should find an identical in-flight submission", func() {
			op := newOp(42)
			op.OverallDeadline = time.Now().Add(time.Minute)
			Expect(s.Insert(op)).To(Succeed())

			found, ok := s.FindEquivalent(op.Type, []byte("x"), op.Participants, op.SubtreeEntry)
			Expect(ok).To(BeTrue())
			Expect(found.ID).To(Equal(types.OperationID(42)))
		})

		It("should not match differing submissions", func() {
			Expect(s.Insert(newOp(42))).To(Succeed())

			_, ok := s.FindEquivalent(types.OpTypeCreateINode, []byte("y"),
				[]types.Subtree{{Server: "mds-2:49152", EntryInode: 2002}}, 1001)
			Expect(ok).To(BeFalse())

			_, ok = s.FindEquivalent(types.OpTypeSetAttr, []byte("x"),
				[]types.Subtree{{Server: "mds-2:49152", EntryInode: 2002}}, 1001)
			Expect(ok).To(BeFalse())
		})
	})

	Describe("vote deduplication", func() {
		It("should count each (operation, sender) pair once", func() {
			Expect(s.TryRecordVote(42, "mds-2:49152")).To(BeTrue())
			Expect(s.TryRecordVote(42, "mds-2:49152")).To(BeFalse())
			Expect(s.TryRecordVote(42, "mds-3:49152")).To(BeTrue())
			Expect(s.TryRecordVote(7, "mds-2:49152")).To(BeTrue())

			Expect(s.VoteCount(42)).To(Equal(2))
			Expect(s.HasVote(42, "mds-2:49152")).To(BeTrue())
			Expect(s.HasVote(42, "mds-4:49152")).To(BeFalse())
		})

		It("should drop votes per operation", func() {
			Expect(s.TryRecordVote(42, "mds-2:49152")).To(BeTrue())
			Expect(s.TryRecordVote(7, "mds-2:49152")).To(BeTrue())

			s.DropVotes(42)

			Expect(s.VoteCount(42)).To(BeZero())
			Expect(s.VoteCount(7)).To(Equal(1))
			Expect(s.TryRecordVote(42, "mds-2:49152")).To(BeTrue())
		})
	})
})
