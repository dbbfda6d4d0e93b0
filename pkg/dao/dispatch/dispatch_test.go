package dispatch

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/parafs/mds/pkg/dao/engine"
	"github.com/parafs/mds/pkg/dao/executor"
	"github.com/parafs/mds/pkg/dao/journal"
	"github.com/parafs/mds/pkg/dao/recovery"
	"github.com/parafs/mds/pkg/dao/store"
	"github.com/parafs/mds/pkg/dao/timeout"
	"github.com/parafs/mds/pkg/dao/types"
	"github.com/parafs/mds/pkg/dao/wire"
	"github.com/parafs/mds/pkg/metrics"
	"github.com/parafs/mds/pkg/testutil"
	"github.com/parafs/mds/pkg/transport"
)

func TestDispatcher(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Dispatcher Suite")
}

const (
	selfAddr = types.ServerAddress("mds-1:49152")
	p1Addr   = types.ServerAddress("mds-2:49152")
	p2Addr   = types.ServerAddress("mds-3:49152")
	rogue    = types.ServerAddress("mds-9:49152")

	selfSubtree = types.InodeID(1001)
	p1Subtree   = types.InodeID(2002)
	p2Subtree   = types.InodeID(3003)
)

var _ = Describe("Dispatcher", func() {
	var (
		jw         *testutil.FakeJournal
		st         *store.Store
		sender     *testutil.FakeSender
		exec       *testutil.FakeExecutor
		eng        *engine.Engine
		manager    *recovery.Manager
		dispatcher *Dispatcher
		table      *testutil.FakeTable
		clock      *testutil.Clock
		ctx        context.Context
	)

	BeforeEach(func() {
		jw = testutil.NewFakeJournal()
		st = store.New()
		sender = testutil.NewFakeSender()
		exec = testutil.NewFakeExecutor()
		clock = testutil.NewClock()
		ctx = context.Background()

		table = testutil.NewFakeTable(map[types.InodeID]types.ServerAddress{
			selfSubtree: selfAddr,
			p1Subtree:   p1Addr,
			p2Subtree:   p2Addr,
		})
		m := metrics.NewNopDAOMetrics()
		eng = engine.New(engine.Config{
			SelfAddress:    selfAddr,
			TPCRelTimeout:  5 * time.Second,
			MTPCRelTimeout: 5 * time.Second,
			OOERelTimeout:  5 * time.Second,
			OverallTimeout: 60 * time.Second,
		}, st, jw, timeout.NewQueue(), sender, exec, testutil.NewFakeSink(), table,
			testutil.NewSequentialIDs(42), m, zap.NewNop())
		eng.SetClock(clock.Now)
		manager = recovery.NewManager(jw, st, eng, exec, m, zap.NewNop())
		dispatcher = New(eng, manager, table, m, zap.NewNop())
	})

	deliver := func(sender types.ServerAddress, ev wire.Event) {
		frame, err := wire.Encode(ev)
		Expect(err).NotTo(HaveOccurred())
		Expect(dispatcher.HandlePeerMessage(ctx, transport.Inbound{
			Sender:        sender,
			Module:        transport.ModuleDistributedAtomicOp,
			CorrelationID: transport.CorrelationRequest,
			SentAt:        clock.Now(),
			Payload:       frame,
		})).To(Succeed())
	}

	recoverNow := func() {
		Expect(manager.RecoverAll(ctx)).To(Succeed())
	}

	startCoordinatorOp := func() types.OperationID {
		id, err := eng.StartCoordinator(ctx, types.OpTypeCreateINode, []byte("x"),
			[]types.Subtree{
				{Server: p1Addr, EntryInode: p1Subtree},
				{Server: p2Addr, EntryInode: p2Subtree},
			}, selfSubtree)
		Expect(err).NotTo(HaveOccurred())
		Expect(eng.HandleExecResult(ctx, executor.Result{
			OpID: id, Kind: executor.ExecutionSuccessful,
		})).To(Succeed())
		sender.Reset()
		return id
	}

	Describe("gating", func() {
		It("should drop every event until recovery completed", func() {
			frame, err := wire.Encode(wire.Simple(wire.TagTPCVoteY, 42))
			Expect(err).NotTo(HaveOccurred())

			Expect(dispatcher.HandlePeerMessage(ctx, transport.Inbound{
				Sender:  p1Addr,
				Module:  transport.ModuleDistributedAtomicOp,
				Payload: frame,
			})).To(Succeed())

			Expect(sender.Sent()).To(BeEmpty())
			Expect(st.Len()).To(BeZero())
		})

		It("should drop messages of foreign modules", func() {
			recoverNow()
			id := startCoordinatorOp()
			frame, err := wire.Encode(wire.Simple(wire.TagTPCVoteY, id))
			Expect(err).NotTo(HaveOccurred())

			Expect(dispatcher.HandlePeerMessage(ctx, transport.Inbound{
				Sender:  p1Addr,
				Module:  transport.ModuleLoadBalancing,
				Payload: frame,
			})).To(Succeed())

			op, _ := st.Get(id)
			Expect(op.ReceivedVotes).To(Equal(2))
		})

		It("should drop reply-correlated messages", func() {
			recoverNow()
			id := startCoordinatorOp()
			frame, err := wire.Encode(wire.Simple(wire.TagTPCVoteY, id))
			Expect(err).NotTo(HaveOccurred())

			Expect(dispatcher.HandlePeerMessage(ctx, transport.Inbound{
				Sender:        p1Addr,
				Module:        transport.ModuleDistributedAtomicOp,
				CorrelationID: 7,
				Payload:       frame,
			})).To(Succeed())

			op, _ := st.Get(id)
			Expect(op.ReceivedVotes).To(Equal(2))
		})

		It("should drop undecodable frames", func() {
			recoverNow()
			Expect(dispatcher.HandlePeerMessage(ctx, transport.Inbound{
				Sender:  p1Addr,
				Module:  transport.ModuleDistributedAtomicOp,
				Payload: []byte{0xFF, 0x01},
			})).To(Succeed())

			Expect(sender.Sent()).To(BeEmpty())
		})
	})

	Describe("authorization", func() {
		It("should answer NotResponsible to senders owning none of the participant subtrees", func() {
			recoverNow()
			id := startCoordinatorOp()

			deliver(rogue, wire.Simple(wire.TagTPCVoteY, id))

			Expect(sender.SentTo(rogue, wire.TagNotResponsible)).To(HaveLen(1))
			op, _ := st.Get(id)
			Expect(op.ReceivedVotes).To(Equal(2))
		})

		It("should accept votes from current subtree owners", func() {
			recoverNow()
			id := startCoordinatorOp()

			deliver(p1Addr, wire.Simple(wire.TagTPCVoteY, id))

			op, _ := st.Get(id)
			Expect(op.ReceivedVotes).To(Equal(1))
		})
	})

	Describe("transition table", func() {
		It("should answer EventReRequest on a status mismatch", func() {
			recoverNow()
			id := startCoordinatorOp()

			// An acknowledgement before any decision is out of order.
			deliver(p1Addr, wire.Simple(wire.TagTPCAck, id))

			Expect(sender.SentTo(p1Addr, wire.TagEventReRequest)).To(HaveLen(1))
		})
	})

	Describe("unknown operations", func() {
		It("should open a participant operation on a fresh operation request", func() {
			recoverNow()

			deliver(p1Addr, wire.Event{
				Tag:              wire.TagTPCOpReq,
				OpID:             500,
				Type:             types.OpTypeCreateINode,
				SelfSubtree:      selfSubtree,
				InitiatorSubtree: p1Subtree,
				Blob:             []byte("x"),
			})

			op, ok := st.Get(500)
			Expect(ok).To(BeTrue())
			Expect(op.Status).To(Equal(types.StatusTPCPartComp))
		})

		It("should answer the closing message for a finished operation", func() {
			jw.Seed(selfSubtree, journal.Record{
				OpID: 600, Status: journal.RecordStart,
				OpType: types.OpTypeCreateINode, Blob: []byte("x"),
			})
			jw.Seed(selfSubtree, journal.Record{OpID: 600, Status: journal.RecordCommitted})
			recoverNow()

			deliver(p1Addr, wire.Simple(wire.TagTPCRCommit, 600))

			Expect(sender.SentTo(p1Addr, wire.TagTPCAck)).To(HaveLen(1))
			_, ok := st.Get(600)
			Expect(ok).To(BeFalse())
		})

		It("should ask for content when an event references an operation nobody journaled", func() {
			recoverNow()

			deliver(p1Addr, wire.Simple(wire.TagTPCVoteReq, 700))

			Expect(sender.SentTo(p1Addr, wire.TagContentRequest)).To(HaveLen(1))
		})

		It("should recover an open journaled operation on demand", func() {
			jw.Seed(selfSubtree, journal.Record{
				OpID: 800, Status: journal.RecordStart,
				OpType: types.OpTypeCreateINode, Blob: []byte("x"),
			})
			jw.Seed(selfSubtree, journal.Record{
				OpID: 800, Status: journal.RecordUpdate, Marker: types.MarkerTPCPVoteYes,
			})
			recoverNow()
			st.Remove(800)
			exec.IsCoordinatorFn = func(op *types.OpState) (bool, error) { return false, nil }
			exec.SendingAddressesFn = func(op *types.OpState) ([]types.Subtree, error) {
				return []types.Subtree{{Server: p1Addr, EntryInode: p1Subtree}}, nil
			}

			deliver(p1Addr, wire.Simple(wire.TagTPCVoteReq, 800))

			op, ok := st.Get(800)
			Expect(ok).To(BeTrue())
			Expect(op.Status).To(Equal(types.StatusTPCPartWaitVResultExpectYes))
			Expect(sender.SentTo(p1Addr, wire.TagTPCVoteY)).To(HaveLen(1))
		})
	})

	Describe("auxiliary failure messages", func() {
		It("should answer a content request with the operation content", func() {
			recoverNow()
			id := startCoordinatorOp()

			deliver(p1Addr, wire.Simple(wire.TagContentRequest, id))

			replies := sender.SentTo(p1Addr, wire.TagContentResponse)
			Expect(replies).To(HaveLen(1))
			Expect(replies[0].Event.Blob).To(Equal([]byte("x")))
			Expect(replies[0].Event.OppositeStatus).To(Equal(types.StatusTPCPartWaitVResultExpectYes))
		})

		It("should answer a status request with the inferred opposite status", func() {
			recoverNow()
			id := startCoordinatorOp()

			deliver(p1Addr, wire.Simple(wire.TagStatusRequest, id))

			replies := sender.SentTo(p1Addr, wire.TagStatusResponse)
			Expect(replies).To(HaveLen(1))
			Expect(replies[0].Event.OppositeStatus).To(Equal(types.StatusTPCPartWaitVResultExpectYes))
		})

		It("should resend the pending message on EventReRequest", func() {
			recoverNow()
			id := startCoordinatorOp()

			deliver(p1Addr, wire.Simple(wire.TagEventReRequest, id))

			Expect(sender.SentTo(p1Addr, wire.TagTPCRVoteReq)).To(HaveLen(1))
		})

		It("should refresh a moved participant on NotResponsible and resend", func() {
			recoverNow()
			id := startCoordinatorOp()

			// The subtree moved to another server; the table already
			// knows the new owner.
			table.Owners[p1Subtree] = rogue
			exec.SendingAddressesFn = func(op *types.OpState) ([]types.Subtree, error) {
				return []types.Subtree{
					{Server: rogue, EntryInode: p1Subtree},
					{Server: p2Addr, EntryInode: p2Subtree},
				}, nil
			}

			deliver(p1Addr, wire.Simple(wire.TagNotResponsible, id))

			op, _ := st.Get(id)
			Expect(op.Participants[0].Server).To(Equal(rogue))
			Expect(sender.SentTo(rogue, wire.TagTPCRVoteReq)).To(HaveLen(1))
		})

		It("should synthesize a negative vote when a correct peer denies the operation", func() {
			recoverNow()
			id := startCoordinatorOp()

			deliver(p1Addr, wire.Simple(wire.TagNotResponsible, id))

			// The coordinator treats the denial as a No vote and aborts.
			Expect(sender.SentTo(p1Addr, wire.TagTPCAbort)).To(HaveLen(1))
			Expect(sender.SentTo(p2Addr, wire.TagTPCAbort)).To(HaveLen(1))
		})
	})
})
