package recovery

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/parafs/mds/pkg/dao/engine"
	"github.com/parafs/mds/pkg/dao/journal"
	"github.com/parafs/mds/pkg/dao/store"
	"github.com/parafs/mds/pkg/dao/timeout"
	"github.com/parafs/mds/pkg/dao/types"
	"github.com/parafs/mds/pkg/dao/wire"
	"github.com/parafs/mds/pkg/metrics"
	"github.com/parafs/mds/pkg/testutil"
)

func TestRecovery(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Recovery Suite")
}

const (
	selfAddr  = types.ServerAddress("mds-1:49152")
	coordAddr = types.ServerAddress("mds-2:49152")

	selfSubtree  = types.InodeID(1001)
	coordSubtree = types.InodeID(2002)
)

var _ = Describe("Manager", func() {
	var (
		jw       *testutil.FakeJournal
		st       *store.Store
		tq       *timeout.Queue
		exec     *testutil.FakeExecutor
		sender   *testutil.FakeSender
		eng      *engine.Engine
		manager  *Manager
		clock    *testutil.Clock
		ctx      context.Context
	)

	BeforeEach(func() {
		jw = testutil.NewFakeJournal()
		st = store.New()
		tq = timeout.NewQueue()
		exec = testutil.NewFakeExecutor()
		sender = testutil.NewFakeSender()
		clock = testutil.NewClock()
		ctx = context.Background()

		table := testutil.NewFakeTable(map[types.InodeID]types.ServerAddress{
			selfSubtree:  selfAddr,
			coordSubtree: coordAddr,
		})
		eng = engine.New(engine.Config{
			SelfAddress:    selfAddr,
			TPCRelTimeout:  5 * time.Second,
			MTPCRelTimeout: 5 * time.Second,
			OOERelTimeout:  5 * time.Second,
			OverallTimeout: 60 * time.Second,
		}, st, jw, tq, sender, exec, testutil.NewFakeSink(), table,
			testutil.NewSequentialIDs(1000), metrics.NewNopDAOMetrics(), zap.NewNop())
		eng.SetClock(clock.Now)
		manager = NewManager(jw, st, eng, exec, metrics.NewNopDAOMetrics(), zap.NewNop())
	})

	seedStart := func(key types.InodeID, id types.OperationID, opType types.OpType) {
		jw.Seed(key, journal.Record{
			OpID: id, Status: journal.RecordStart, OpType: opType, Blob: []byte("x"),
		})
	}
	seedMarker := func(key types.InodeID, id types.OperationID, marker types.LogMarker) {
		jw.Seed(key, journal.Record{OpID: id, Status: journal.RecordUpdate, Marker: marker})
	}

	participantExec := func(participants ...types.Subtree) {
		exec.IsCoordinatorFn = func(op *types.OpState) (bool, error) { return false, nil }
		exec.SendingAddressesFn = func(op *types.OpState) ([]types.Subtree, error) {
			return participants, nil
		}
	}
	coordinatorExec := func(participants ...types.Subtree) {
		exec.IsCoordinatorFn = func(op *types.OpState) (bool, error) { return true, nil }
		exec.SendingAddressesFn = func(op *types.OpState) ([]types.Subtree, error) {
			return participants, nil
		}
	}

	Describe("marker classification", func() {
		It("should place a committed-but-unacknowledged coordinator in the result phase", func() {
			// Crash after TPCICommitting: the decision is durable, the
			// acknowledgement round is not.
			seedStart(selfSubtree, 42, types.OpTypeCreateINode)
			seedMarker(selfSubtree, 42, types.MarkerTPCIVoteStart)
			seedMarker(selfSubtree, 42, types.MarkerTPCICommitting)
			coordinatorExec(types.Subtree{Server: coordAddr, EntryInode: coordSubtree})

			op, err := manager.RecoverOne(ctx, 42)
			Expect(err).NotTo(HaveOccurred())
			Expect(op.Protocol).To(Equal(types.ProtocolTPC))
			Expect(op.Status).To(Equal(types.StatusTPCCoordVResultSent))
			Expect(op.Coordinator).To(BeTrue())
			Expect(op.ReceivedVotes).To(Equal(1))

			// A fired timeout now resends the commit decision.
			Expect(eng.HandleTimeout(ctx, timeout.Entry{
				Deadline:       clock.Now(),
				OpID:           42,
				RecordedStatus: types.StatusTPCCoordVResultSent,
			})).To(Succeed())
			Expect(sender.SentTo(coordAddr, wire.TagTPCRCommit)).To(HaveLen(1))
		})

		It("should map participant vote markers to their wait statuses", func() {
			seedStart(selfSubtree, 43, types.OpTypeCreateINode)
			seedMarker(selfSubtree, 43, types.MarkerTPCPVoteYes)
			participantExec(types.Subtree{Server: coordAddr, EntryInode: coordSubtree})

			op, err := manager.RecoverOne(ctx, 43)
			Expect(err).NotTo(HaveOccurred())
			Expect(op.Status).To(Equal(types.StatusTPCPartWaitVReqYes))
			Expect(op.Coordinator).To(BeFalse())

			seedStart(selfSubtree, 44, types.OpTypeCreateINode)
			seedMarker(selfSubtree, 44, types.MarkerTPCPVoteNo)

			op, err = manager.RecoverOne(ctx, 44)
			Expect(err).NotTo(HaveOccurred())
			Expect(op.Status).To(Equal(types.StatusTPCPartWaitVReqNo))
		})

		It("should map MTPC markers to both sides", func() {
			seedStart(selfSubtree, 45, types.OpTypeSetAttr)
			seedMarker(selfSubtree, 45, types.MarkerMTPCIStartP)
			coordinatorExec(types.Subtree{Server: coordAddr, EntryInode: coordSubtree})

			op, err := manager.RecoverOne(ctx, 45)
			Expect(err).NotTo(HaveOccurred())
			Expect(op.Protocol).To(Equal(types.ProtocolMTPC))
			Expect(op.Status).To(Equal(types.StatusMTPCCoordReqSent))

			seedStart(selfSubtree, 46, types.OpTypeSetAttr)
			seedMarker(selfSubtree, 46, types.MarkerMTPCPCommit)
			participantExec(types.Subtree{Server: coordAddr, EntryInode: coordSubtree})

			op, err = manager.RecoverOne(ctx, 46)
			Expect(err).NotTo(HaveOccurred())
			Expect(op.Status).To(Equal(types.StatusMTPCPartVoteSendYes))
		})

		It("should map OOE markers to the wait statuses", func() {
			seedStart(selfSubtree, 47, types.OpTypeOrderedOperationTest)
			seedMarker(selfSubtree, 47, types.MarkerOOEStartNext)
			participantExec(types.Subtree{Server: coordAddr, EntryInode: coordSubtree})

			op, err := manager.RecoverOne(ctx, 47)
			Expect(err).NotTo(HaveOccurred())
			Expect(op.Protocol).To(Equal(types.ProtocolOOE))
			Expect(op.Status).To(Equal(types.StatusOOEWaitResult))
		})

		It("should re-enter the undo wait for an aborting subtree move", func() {
			seedStart(types.ServerJournalKey, 48, types.OpTypeMoveSubtree)
			seedMarker(types.ServerJournalKey, 48, types.MarkerTPCIVoteStart)
			seedMarker(types.ServerJournalKey, 48, types.MarkerTPCIAborting)
			coordinatorExec(types.Subtree{Server: coordAddr, EntryInode: coordSubtree})
			exec.SubtreeEntryFn = func(op *types.OpState) (types.InodeID, error) {
				return selfSubtree, nil
			}

			op, err := manager.RecoverOne(ctx, 48)
			Expect(err).NotTo(HaveOccurred())
			Expect(op.Status).To(Equal(types.StatusWaitUndoAck))
			Expect(op.SubtreeEntry).To(Equal(selfSubtree))
		})

		It("should place begin-only operations by the coordinator verdict", func() {
			seedStart(selfSubtree, 49, types.OpTypeCreateINode)
			coordinatorExec(
				types.Subtree{Server: coordAddr, EntryInode: coordSubtree},
				types.Subtree{Server: "mds-3:49152", EntryInode: 3003},
			)

			op, err := manager.RecoverOne(ctx, 49)
			Expect(err).NotTo(HaveOccurred())
			Expect(op.Status).To(Equal(types.StatusTPCCoordComp))

			seedStart(selfSubtree, 50, types.OpTypeCreateINode)
			participantExec(types.Subtree{Server: coordAddr, EntryInode: coordSubtree})

			op, err = manager.RecoverOne(ctx, 50)
			Expect(err).NotTo(HaveOccurred())
			Expect(op.Status).To(Equal(types.StatusTPCPartComp))
		})
	})

	Describe("terminal and unknown operations", func() {
		It("should report a finished operation with its decision", func() {
			seedStart(selfSubtree, 60, types.OpTypeCreateINode)
			jw.Seed(selfSubtree, journal.Record{OpID: 60, Status: journal.RecordCommitted})

			_, err := manager.RecoverOne(ctx, 60)
			var finished *FinishedError
			Expect(err).To(BeAssignableToTypeOf(finished))
			Expect(err.(*FinishedError).Committed).To(BeTrue())
		})

		It("should report ErrNoBeginLog for unknown operations", func() {
			_, err := manager.RecoverOne(ctx, 61)
			Expect(err).To(MatchError(ErrNoBeginLog))
		})
	})

	Describe("RecoverAll", func() {
		It("should rebuild every open operation and mark recovery complete", func() {
			seedStart(selfSubtree, 70, types.OpTypeCreateINode)
			seedMarker(selfSubtree, 70, types.MarkerTPCPVoteYes)
			seedStart(selfSubtree, 71, types.OpTypeCreateINode)
			jw.Seed(selfSubtree, journal.Record{OpID: 71, Status: journal.RecordAborted})
			participantExec(types.Subtree{Server: coordAddr, EntryInode: coordSubtree})

			Expect(manager.Complete()).To(BeFalse())
			Expect(manager.RecoverAll(ctx)).To(Succeed())
			Expect(manager.Complete()).To(BeTrue())

			_, open := st.Get(70)
			Expect(open).To(BeTrue())
			_, closed := st.Get(71)
			Expect(closed).To(BeFalse())
			Expect(tq.Len()).To(BeNumerically(">", 0))
		})

		It("should skip unreconstructible operations without failing startup", func() {
			seedStart(selfSubtree, 72, types.OpTypeCreateINode)
			participantExec() // no participants known

			Expect(manager.RecoverAll(ctx)).To(Succeed())
			Expect(manager.Complete()).To(BeTrue())
			_, open := st.Get(72)
			Expect(open).To(BeFalse())
		})
	})

	Describe("MaterializeFromContent", func() {
		It("should rebuild a participant from a coordinator's content response", func() {
			participantExec(types.Subtree{Server: coordAddr, EntryInode: coordSubtree})
			exec.SubtreeEntryFn = func(op *types.OpState) (types.InodeID, error) {
				return selfSubtree, nil
			}

			Expect(manager.MaterializeFromContent(ctx, coordAddr, wire.Event{
				Tag:            wire.TagContentResponse,
				OpID:           80,
				Type:           types.OpTypeCreateINode,
				Blob:           []byte("x"),
				OppositeStatus: types.StatusTPCPartWaitVResultExpectYes,
			})).To(Succeed())

			op, ok := st.Get(80)
			Expect(ok).To(BeTrue())
			Expect(op.Status).To(Equal(types.StatusTPCPartComp))
			Expect(op.Blob).To(Equal([]byte("x")))
			// The local part is re-executed.
			Expect(exec.Requests()).To(HaveLen(1))
			// A begin record exists again.
			_, records, err := jw.RecordsFor(ctx, 80)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(1))
		})

		It("should ignore responses with an unusable opposite status", func() {
			Expect(manager.MaterializeFromContent(ctx, coordAddr, wire.Event{
				Tag:            wire.TagContentResponse,
				OpID:           81,
				Type:           types.OpTypeCreateINode,
				Blob:           []byte("x"),
				OppositeStatus: types.StatusNone,
			})).To(Succeed())

			_, ok := st.Get(81)
			Expect(ok).To(BeFalse())
		})
	})
})
