package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/parafs/mds/pkg/dao/types"
)

func TestTransport(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Transport Suite")
}

var _ = Describe("Server and Client", func() {
	var (
		server   *Server
		httpSrv  *httptest.Server
		client   *Client
		peerAddr types.ServerAddress
		ctx      context.Context
	)

	BeforeEach(func() {
		server = NewServer(":0", 16, zap.NewNop())
		httpSrv = httptest.NewServer(server.Handler())
		peerAddr = types.ServerAddress(strings.TrimPrefix(httpSrv.URL, "http://"))
		client = NewClient("mds-1:49152", zap.NewNop())
		ctx = context.Background()
	})

	AfterEach(func() {
		httpSrv.Close()
	})

	It("should deliver a frame with its envelope", func() {
		frame := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}
		Expect(client.Send(ctx, peerAddr, frame)).To(Succeed())

		var msg Inbound
		Eventually(server.Inbound()).Should(Receive(&msg))
		Expect(msg.Sender).To(Equal(types.ServerAddress("mds-1:49152")))
		Expect(msg.Module).To(Equal(ModuleDistributedAtomicOp))
		Expect(msg.CorrelationID).To(Equal(CorrelationRequest))
		Expect(msg.Payload).To(Equal(frame))
	})

	It("should drop messages older than the message lifetime", func() {
		server.now = func() time.Time {
			return time.Now().Add(MsgLifetime + time.Minute)
		}

		Expect(client.Send(ctx, peerAddr, []byte{1})).To(Succeed())
		Consistently(server.Inbound()).ShouldNot(Receive())
	})

	It("should reject envelopes without a sender", func() {
		resp, err := httpSrv.Client().Post(httpSrv.URL+"/dao/v1/events",
			"application/octet-stream", strings.NewReader("x"))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(400))
	})

	It("should classify failed sends as transport errors", func() {
		httpSrv.Close()

		err := client.Send(ctx, peerAddr, []byte{1})
		Expect(err).To(HaveOccurred())
	})

	It("should open the breaker after consecutive failures", func() {
		httpSrv.Close()

		for i := 0; i < 3; i++ {
			Expect(client.Send(ctx, peerAddr, []byte{1})).NotTo(Succeed())
		}
		// The breaker is open now; the failure is reported without a dial.
		err := client.Send(ctx, peerAddr, []byte{1})
		Expect(err).To(HaveOccurred())
	})
})
