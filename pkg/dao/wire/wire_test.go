package wire

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parafs/mds/pkg/dao/types"
)

func TestWireCodec(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Wire Codec Suite")
}

var _ = Describe("Codec", func() {
	Describe("round trips", func() {
		It("should round-trip every body-less event", func() {
			simpleTags := []Tag{
				TagTPCVoteReq, TagTPCVoteY, TagTPCVoteN, TagTPCCommit, TagTPCAbort, TagTPCAck,
				TagMTPCCommit, TagMTPCAbort, TagMTPCAck,
				TagOOEAck, TagOOEAborted,
				TagNotResponsible, TagEventReRequest, TagContentRequest, TagStatusRequest,
				TagTPCPRAbort, TagTPCRVoteN, TagTPCRVoteY, TagTPCRVoteReq, TagTPCRCommit,
				TagMTPCRStatusReq, TagMTPCRAbort, TagMTPCRCommit,
				TagOOERAborted, TagOOERStatusReq,
			}
			for _, tag := range simpleTags {
				ev := Simple(tag, 42)
				frame, err := Encode(ev)
				Expect(err).NotTo(HaveOccurred(), "encode %s", tag)
				Expect(frame).To(HaveLen(9), "frame length of %s", tag)

				decoded, err := Decode(frame)
				Expect(err).NotTo(HaveOccurred(), "decode %s", tag)
				Expect(decoded).To(Equal(ev), "round trip of %s", tag)
			}
		})

		It("should round-trip operation requests of all three protocols", func() {
			for _, tag := range []Tag{TagTPCOpReq, TagMTPCOpReq, TagOOEOpReq} {
				ev := Event{
					Tag:              tag,
					OpID:             77,
					Type:             types.OpTypeMoveSubtree,
					SelfSubtree:      2002,
					InitiatorSubtree: 1001,
					Blob:             []byte("payload bytes"),
				}
				frame, err := Encode(ev)
				Expect(err).NotTo(HaveOccurred())

				decoded, err := Decode(frame)
				Expect(err).NotTo(HaveOccurred())
				Expect(decoded).To(Equal(ev))
			}
		})

		It("should round-trip a content response", func() {
			ev := Event{
				Tag:            TagContentResponse,
				OpID:           99,
				Type:           types.OpTypeCreateINode,
				Blob:           []byte("blob"),
				OppositeStatus: types.StatusTPCPartComp,
			}
			frame, err := Encode(ev)
			Expect(err).NotTo(HaveOccurred())

			decoded, err := Decode(frame)
			Expect(err).NotTo(HaveOccurred())
			Expect(decoded).To(Equal(ev))
		})

		It("should round-trip a status response", func() {
			ev := Event{
				Tag:            TagStatusResponse,
				OpID:           99,
				OppositeStatus: types.StatusMTPCCoordReqSent,
			}
			frame, err := Encode(ev)
			Expect(err).NotTo(HaveOccurred())

			decoded, err := Decode(frame)
			Expect(err).NotTo(HaveOccurred())
			Expect(decoded).To(Equal(ev))
		})
	})

	Describe("framing", func() {
		It("should use the fixed header layout", func() {
			frame, err := Encode(Simple(TagTPCCommit, 0x0102030405060708))
			Expect(err).NotTo(HaveOccurred())

			Expect(frame[0]).To(Equal(byte(TagTPCCommit)))
			// Little-endian operation id.
			Expect(frame[1:9]).To(Equal([]byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}))
		})

		It("should assign distinct tags to the three operation requests", func() {
			Expect(TagTPCOpReq).NotTo(Equal(TagMTPCOpReq))
			Expect(TagTPCOpReq).NotTo(Equal(TagOOEOpReq))
			Expect(TagMTPCOpReq).NotTo(Equal(TagOOEOpReq))
		})
	})

	Describe("rejection", func() {
		It("should reject frames shorter than the header", func() {
			_, err := Decode([]byte{1, 2, 3})
			Expect(err).To(HaveOccurred())
		})

		It("should reject unknown tags", func() {
			frame, err := Encode(Simple(TagTPCAck, 1))
			Expect(err).NotTo(HaveOccurred())
			frame[0] = 250

			_, err = Decode(frame)
			Expect(err).To(HaveOccurred())
		})

		It("should reject a zero operation id", func() {
			_, err := Encode(Simple(TagTPCAck, 0))
			Expect(err).To(HaveOccurred())

			frame := make([]byte, 9)
			frame[0] = byte(TagTPCAck)
			_, err = Decode(frame)
			Expect(err).To(HaveOccurred())
		})

		It("should reject a body on a body-less tag", func() {
			frame, err := Encode(Simple(TagTPCAck, 1))
			Expect(err).NotTo(HaveOccurred())
			frame = append(frame, 0xFF)

			_, err = Decode(frame)
			Expect(err).To(HaveOccurred())
		})

		It("should reject an operation request whose blob length disagrees with the frame", func() {
			ev := Event{
				Tag:              TagTPCOpReq,
				OpID:             5,
				Type:             types.OpTypeSetAttr,
				SelfSubtree:      1,
				InitiatorSubtree: 2,
				Blob:             []byte("abcdef"),
			}
			frame, err := Encode(ev)
			Expect(err).NotTo(HaveOccurred())

			_, err = Decode(frame[:len(frame)-2])
			Expect(err).To(HaveOccurred())

			_, err = Decode(append(frame, 0x00))
			Expect(err).To(HaveOccurred())
		})

		It("should reject an operation request without a blob", func() {
			_, err := Encode(Event{
				Tag:              TagTPCOpReq,
				OpID:             5,
				Type:             types.OpTypeSetAttr,
				SelfSubtree:      1,
				InitiatorSubtree: 2,
			})
			Expect(err).To(HaveOccurred())
		})

		It("should reject an unknown operation type", func() {
			ev := Event{
				Tag:              TagTPCOpReq,
				OpID:             5,
				Type:             types.OpTypeSetAttr,
				SelfSubtree:      1,
				InitiatorSubtree: 2,
				Blob:             []byte("x"),
			}
			frame, err := Encode(ev)
			Expect(err).NotTo(HaveOccurred())
			frame[9] = 200

			_, err = Decode(frame)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("retry folding", func() {
		It("should fold retry tags onto their canonical events", func() {
			Expect(TagTPCPRAbort.Canonical()).To(Equal(TagTPCAbort))
			Expect(TagTPCRVoteY.Canonical()).To(Equal(TagTPCVoteY))
			Expect(TagTPCRVoteN.Canonical()).To(Equal(TagTPCVoteN))
			Expect(TagTPCRVoteReq.Canonical()).To(Equal(TagTPCVoteReq))
			Expect(TagTPCRCommit.Canonical()).To(Equal(TagTPCCommit))
			Expect(TagMTPCRAbort.Canonical()).To(Equal(TagMTPCAbort))
			Expect(TagMTPCRCommit.Canonical()).To(Equal(TagMTPCCommit))
			Expect(TagOOERAborted.Canonical()).To(Equal(TagOOEAborted))
		})

		It("should keep non-retry tags unchanged", func() {
			Expect(TagTPCCommit.Canonical()).To(Equal(TagTPCCommit))
			Expect(TagOOERStatusReq.Canonical()).To(Equal(TagOOERStatusReq))
		})
	})
})
