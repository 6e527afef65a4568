package security_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/tftpd/internal/security"
)

func TestSecurity(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "security suite")
}

var _ = Describe("path validation", func() {
	var (
		root string
		pol  *security.Policy
	)

	BeforeEach(func() {
		root = GinkgoT().TempDir()
		var err error
		pol, err = security.NewPolicy(root, security.OverwriteAllow, security.CreationAllow, security.ReadAllow)
		Expect(err).ToNot(HaveOccurred())
	})

	It("accepts a path rooted under the configured root", func() {
		p := filepath.Join(root, "sub", "file.txt")
		Expect(pol.IsPathValid(p)).To(Equal(security.Valid))
	})

	It("rejects a relative path", func() {
		Expect(pol.IsPathValid("relative.txt")).To(Equal(security.InvalidFormat))
	})

	It("rejects a traversal escape", func() {
		escaped := pol.AbsoluteFromRoot(filepath.Join("..", "..", "etc", "passwd"))
		Expect(pol.IsPathValid(escaped)).To(Equal(security.InvalidEscapeRoot))
	})

	It("rejects write to a missing file when creation is disallowed", func() {
		p2, err := security.NewPolicy(root, security.OverwriteAllow, security.CreationDisallow, security.ReadAllow)
		Expect(err).ToNot(HaveOccurred())
		Expect(p2.IsFileValidForWrite(filepath.Join(root, "new.bin"))).To(Equal(security.InvalidCantCreateFile))
	})

	It("rejects overwrite of an existing file when overwrite is disallowed", func() {
		target := filepath.Join(root, "exists.bin")
		Expect(os.WriteFile(target, []byte("x"), 0o644)).To(Succeed())

		p2, err := security.NewPolicy(root, security.OverwriteDisallow, security.CreationAllow, security.ReadAllow)
		Expect(err).ToNot(HaveOccurred())
		Expect(p2.IsFileValidForWrite(target)).To(Equal(security.InvalidAccessForbidden))
	})

	It("reports no such file for read of a missing target", func() {
		Expect(pol.IsFileValidForRead(filepath.Join(root, "missing.bin"))).To(Equal(security.InvalidNoSuchFile))
	})
})

var _ = Describe("file lock", func() {
	It("allows concurrent readers", func() {
		l := security.NewLocks()
		Expect(l.TryLockRead("/a")).To(BeTrue())
		Expect(l.TryLockRead("/a")).To(BeTrue())
		l.UnlockRead("/a")
		l.UnlockRead("/a")
	})

	It("excludes a writer while a reader holds the path", func() {
		l := security.NewLocks()
		Expect(l.TryLockRead("/a")).To(BeTrue())
		Expect(l.TryLockWrite("/a")).To(BeFalse())
		l.UnlockRead("/a")
		Expect(l.TryLockWrite("/a")).To(BeTrue())
	})

	It("excludes a reader while a writer holds the path", func() {
		l := security.NewLocks()
		Expect(l.TryLockWrite("/a")).To(BeTrue())
		Expect(l.TryLockRead("/a")).To(BeFalse())
		l.UnlockWrite("/a")
		Expect(l.TryLockRead("/a")).To(BeTrue())
	})

	It("is safe under concurrent lock attempts", func() {
		l := security.NewLocks()
		var wg sync.WaitGroup
		successes := make(chan bool, 50)

		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				successes <- l.TryLockWrite("/contended")
			}()
		}
		wg.Wait()
		close(successes)

		ok := 0
		for s := range successes {
			if s {
				ok++
			}
		}
		Expect(ok).To(BeNumerically(">=", 1))
	})
})
