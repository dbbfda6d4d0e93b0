package mlt

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/parafs/mds/pkg/dao/types"
)

func TestMLT(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Metadata Lookup Table Suite")
}

var _ = Describe("FileTable", func() {
	var (
		tempDir string
		path    string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "mlt-test")
		Expect(err).NotTo(HaveOccurred())
		path = filepath.Join(tempDir, "mlt.conf")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	write := func(content string) {
		Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
	}

	Context("with a valid lookup file", func() {
		BeforeEach(func() {
			write(`# subtree entry inode -> owning server
1001 mds-1:49152
2002 mds-2:49152

3003 mds-2:49152
`)
		})

		It("should resolve subtree owners", func() {
			table, err := LoadFile(path, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())

			owner, err := table.OwnerOf(1001)
			Expect(err).NotTo(HaveOccurred())
			Expect(owner).To(Equal(types.ServerAddress("mds-1:49152")))

			Expect(table.IsOwner("mds-2:49152", 2002)).To(BeTrue())
			Expect(table.IsOwner("mds-1:49152", 2002)).To(BeFalse())
		})

		It("should report unknown subtrees", func() {
			table, err := LoadFile(path, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())

			_, err = table.OwnerOf(9999)
			Expect(err).To(MatchError(ErrUnknownSubtree))
			Expect(table.IsOwner("mds-1:49152", 9999)).To(BeFalse())
		})

		It("should list distinct servers", func() {
			table, err := LoadFile(path, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())

			Expect(table.Servers()).To(ConsistOf(
				types.ServerAddress("mds-1:49152"),
				types.ServerAddress("mds-2:49152"),
			))
		})

		It("should pick up changes on reload", func() {
			table, err := LoadFile(path, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())

			write("1001 mds-9:49152\n")
			Expect(table.Reload()).To(Succeed())

			owner, err := table.OwnerOf(1001)
			Expect(err).NotTo(HaveOccurred())
			Expect(owner).To(Equal(types.ServerAddress("mds-9:49152")))

			_, err = table.OwnerOf(2002)
			Expect(err).To(MatchError(ErrUnknownSubtree))
		})
	})

	Context("with a malformed lookup file", func() {
		It("should reject lines without two fields", func() {
			write("1001 mds-1:49152 extra\n")

			_, err := LoadFile(path, zap.NewNop())
			Expect(err).To(HaveOccurred())
		})

		It("should reject non-numeric inodes", func() {
			write("abc mds-1:49152\n")

			_, err := LoadFile(path, zap.NewNop())
			Expect(err).To(HaveOccurred())
		})
	})

	Context("with a missing file", func() {
		It("should fail to load", func() {
			_, err := LoadFile(filepath.Join(tempDir, "missing.conf"), zap.NewNop())
			Expect(err).To(HaveOccurred())
		})
	})
})
