package pairing

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"

	"github.com/cosmic-connect/cosmic-connectd/internal/identity"
)

// ginkgoStorePeerCert mints a throwaway self-signed certificate and files
// it as peerID's on-record certificate, returning its fingerprint — the
// same setup newTestMachine's testify-based sibling tests use, since
// HandlePairPacket/MarkTrusted both require a certificate already on file.
func ginkgoStorePeerCert(store identity.Store, peerID string) string {
	local, err := store.GetOrCreateLocal(peerID + "-throwaway")
	Expect(err).NotTo(HaveOccurred())
	peer, err := store.PutPeerCertificate(peerID, local.CertPEM)
	Expect(err).NotTo(HaveOccurred())
	return peer.Fingerprint
}

var _ = Describe("Machine", func() {
	var (
		store identity.Store
		sent  []sentPair
		m     *Machine
	)

	BeforeEach(func() {
		var err error
		store, err = identity.NewFileStore(GinkgoT().TempDir(), identity.NoopProtector{}, logr.Discard())
		Expect(err).NotTo(HaveOccurred())

		sent = nil
		m = NewMachine(Config{
			Identity: store,
			Deadline: time.Hour,
			SendPair: func(peerID string, pair bool) error {
				sent = append(sent, sentPair{peerID, pair})
				return nil
			},
			Log: logr.Discard(),
		})
	})

	Describe("a fresh peer", func() {
		It("starts unpaired", func() {
			Expect(m.State("peer-a")).To(Equal(StateUnpaired))
		})
	})

	Describe("requesting a pair", func() {
		var fp string

		BeforeEach(func() {
			fp = ginkgoStorePeerCert(store, "peer-a")
			Expect(m.RequestPair("peer-a")).To(Succeed())
		})

		It("moves to request-sent and sends pair{true}", func() {
			Expect(m.State("peer-a")).To(Equal(StateRequestSent))
			Expect(sent).To(ConsistOf(sentPair{"peer-a", true}))
		})

		It("rejects a second concurrent request", func() {
			Expect(m.RequestPair("peer-a")).To(MatchError(ErrWrongState))
		})

		Context("when the peer accepts", func() {
			BeforeEach(func() {
				Expect(m.HandlePairPacket("peer-a", true, fp)).To(Succeed())
			})

			It("transitions to paired and marks the peer trusted", func() {
				Expect(m.State("peer-a")).To(Equal(StatePaired))
				trusted, err := store.IsTrusted("peer-a")
				Expect(err).NotTo(HaveOccurred())
				Expect(trusted).To(BeTrue())
			})
		})

		Context("when the peer refuses", func() {
			BeforeEach(func() {
				Expect(m.HandlePairPacket("peer-a", false, fp)).To(Succeed())
			})

			It("falls back to unpaired", func() {
				Expect(m.State("peer-a")).To(Equal(StateUnpaired))
			})
		})
	})

	Describe("receiving an unsolicited pair request", func() {
		var fp string

		BeforeEach(func() {
			fp = ginkgoStorePeerCert(store, "peer-b")
			Expect(m.HandlePairPacket("peer-b", true, fp)).To(Succeed())
		})

		It("moves to request-received without sending anything yet", func() {
			Expect(m.State("peer-b")).To(Equal(StateRequestReceived))
			Expect(sent).To(BeEmpty())
		})

		Context("when accepted locally", func() {
			BeforeEach(func() {
				Expect(m.Accept("peer-b")).To(Succeed())
			})

			It("becomes paired and confirms with pair{true}", func() {
				Expect(m.State("peer-b")).To(Equal(StatePaired))
				Expect(sent).To(ConsistOf(sentPair{"peer-b", true}))
			})
		})

		Context("when rejected locally", func() {
			BeforeEach(func() {
				Expect(m.Reject("peer-b")).To(Succeed())
			})

			It("returns to unpaired and sends pair{false}", func() {
				Expect(m.State("peer-b")).To(Equal(StateUnpaired))
				Expect(sent).To(ConsistOf(sentPair{"peer-b", false}))
			})
		})
	})

	Describe("unpairing an established pairing", func() {
		var fp string

		BeforeEach(func() {
			fp = ginkgoStorePeerCert(store, "peer-c")
			Expect(m.RequestPair("peer-c")).To(Succeed())
			Expect(m.HandlePairPacket("peer-c", true, fp)).To(Succeed())
			Expect(m.State("peer-c")).To(Equal(StatePaired))
		})

		It("forgets the peer's trust and certificate", func() {
			Expect(m.Unpair("peer-c")).To(Succeed())
			Expect(m.State("peer-c")).To(Equal(StateUnpaired))
			trusted, err := store.IsTrusted("peer-c")
			Expect(err).NotTo(HaveOccurred())
			Expect(trusted).To(BeFalse())

			_, err = store.GetPeerCertificate("peer-c")
			Expect(err).To(MatchError(identity.ErrNotFound))
		})
	})

	Describe("a pair packet whose fingerprint disagrees with the one on file", func() {
		BeforeEach(func() {
			ginkgoStorePeerCert(store, "peer-d")
		})

		It("is rejected with ErrIdentityMismatch", func() {
			err := m.HandlePairPacket("peer-d", true, "sha256:not-the-real-one")
			Expect(err).To(MatchError(ErrIdentityMismatch))
		})
	})
})
