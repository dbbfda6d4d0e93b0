package errors

import (
	stderrors "errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestErrors(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Structured Errors Suite")
}

var _ = Describe("Structured Errors", func() {
	Describe("DAOError", func() {
		Context("basic error creation", func() {
			It("should create error with correct properties", func() {
				err := New(KindProtocol, "wrong event for status")

				Expect(err.Kind).To(Equal(KindProtocol))
				Expect(err.Message).To(Equal("wrong event for status"))
				Expect(err.Details).To(BeEmpty())
				Expect(err.Cause).To(BeNil())
			})

			It("should implement error interface correctly", func() {
				err := New(KindJournal, "append failed")

				Expect(err.Error()).To(Equal("journal: append failed"))
			})

			It("should include details in error string when present", func() {
				err := New(KindJournal, "append failed").WithDetails("journal key 42")

				Expect(err.Error()).To(Equal("journal: append failed (journal key 42)"))
			})
		})

		Context("error wrapping", func() {
			It("should wrap underlying error", func() {
				originalErr := stderrors.New("connection refused")
				wrappedErr := Wrap(originalErr, KindTransport, "peer unreachable")

				Expect(wrappedErr.Kind).To(Equal(KindTransport))
				Expect(wrappedErr.Message).To(Equal("peer unreachable"))
				Expect(wrappedErr.Cause).To(Equal(originalErr))
				Expect(wrappedErr.Unwrap()).To(Equal(originalErr))
			})

			It("should format wrapped error with arguments", func() {
				originalErr := stderrors.New("no route to host")
				wrappedErr := Wrapf(originalErr, KindTransport, "failed to reach %s:%d", "mds-2", 49152)

				Expect(wrappedErr.Message).To(Equal("failed to reach mds-2:49152"))
				Expect(wrappedErr.Cause).To(Equal(originalErr))
			})

			It("should support errors.Is through the cause chain", func() {
				sentinel := stderrors.New("sentinel")
				wrapped := Wrap(sentinel, KindJournal, "append failed")

				Expect(stderrors.Is(wrapped, sentinel)).To(BeTrue())
			})
		})

		Context("adding details", func() {
			It("should add formatted details", func() {
				err := New(KindRouting, "peer not responsible")
				detailedErr := err.WithDetailsf("op %d, peer %s", 42, "mds-3")

				Expect(detailedErr.Details).To(Equal("op 42, peer mds-3"))
				Expect(detailedErr).To(BeIdenticalTo(err))
			})
		})
	})

	Describe("Kind classification", func() {
		It("should classify fatal errors", func() {
			Expect(IsFatal(New(KindFatal, "mutex poisoned"))).To(BeTrue())
			Expect(IsFatal(New(KindTransport, "send failed"))).To(BeFalse())
			Expect(IsFatal(stderrors.New("plain"))).To(BeFalse())
		})

		It("should classify transient errors", func() {
			Expect(IsTransient(New(KindTransport, "send failed"))).To(BeTrue())
			Expect(IsTransient(New(KindRouting, "stale address"))).To(BeTrue())
			Expect(IsTransient(New(KindJournal, "append failed"))).To(BeFalse())
		})

		It("should report the kind of wrapped errors", func() {
			inner := New(KindJournal, "append failed")
			outer := Wrap(inner, KindFatal, "cannot continue")

			Expect(KindOf(outer)).To(Equal(KindFatal))
			Expect(KindOf(stderrors.New("plain"))).To(BeEmpty())
		})
	})

	Describe("SendError", func() {
		It("should carry the failing receiver index", func() {
			cause := stderrors.New("broken pipe")
			err := NewSendError(2, SendKindFailed, cause)

			Expect(err.Kind).To(Equal(KindTransport))

			sendErr, ok := AsSendError(err)
			Expect(ok).To(BeTrue())
			Expect(sendErr.Receiver).To(Equal(2))
			Expect(sendErr.Kind).To(Equal(SendKindFailed))
			Expect(stderrors.Is(err, cause)).To(BeTrue())
		})

		It("should not extract from unrelated errors", func() {
			_, ok := AsSendError(stderrors.New("plain"))
			Expect(ok).To(BeFalse())
		})
	})
})
