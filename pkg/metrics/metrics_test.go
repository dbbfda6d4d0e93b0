package metrics

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Metrics Suite")
}

var _ = Describe("DAOMetrics", func() {
	It("should register all collectors without collisions", func() {
		registry := prometheus.NewRegistry()
		m := NewDAOMetrics(registry)
		Expect(m).NotTo(BeNil())

		// Registering a second set on the same registry must panic on the
		// duplicate names; a fresh registry must not.
		Expect(func() { NewDAOMetrics(prometheus.NewRegistry()) }).NotTo(Panic())
		Expect(func() { NewDAOMetrics(registry) }).To(Panic())
	})

	It("should count operations by protocol and outcome", func() {
		m := NewNopDAOMetrics()

		m.OperationsStarted.WithLabelValues("TPC", "coordinator").Inc()
		m.OperationsStarted.WithLabelValues("TPC", "coordinator").Inc()
		m.OperationsCompleted.WithLabelValues("TPC", "committed").Inc()

		Expect(testutil.ToFloat64(m.OperationsStarted.WithLabelValues("TPC", "coordinator"))).To(Equal(2.0))
		Expect(testutil.ToFloat64(m.OperationsCompleted.WithLabelValues("TPC", "committed"))).To(Equal(1.0))
	})

	It("should track the in-flight gauge", func() {
		m := NewNopDAOMetrics()

		m.OperationsInFlight.Set(3)
		Expect(testutil.ToFloat64(m.OperationsInFlight)).To(Equal(3.0))
	})
})
