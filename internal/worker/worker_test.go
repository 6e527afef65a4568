package worker_test

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/tftpd/internal/buffer"
	"github.com/nabbar/tftpd/internal/netio"
	"github.com/nabbar/tftpd/internal/protocol"
	"github.com/nabbar/tftpd/internal/security"
	"github.com/nabbar/tftpd/internal/worker"
)

func TestWorker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "worker suite")
}

func listenClient() *net.UDPConn {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	Expect(err).ToNot(HaveOccurred())
	return conn
}

func requestDatagram(factory *buffer.Factory, op protocol.Opcode, filename string, from *net.UDPAddr) *buffer.Datagram {
	asm := factory.NewAssembly()
	Expect(asm.IsValid()).To(BeTrue())
	payload := protocol.EncodeRequest(op, filename, protocol.ModeOctet)
	n := copy(asm.Data(), payload)
	asm.SetLength(n)
	asm.SetSource(from)
	return asm.Finalize()
}

var _ = Describe("worker transaction lifecycle", func() {
	var (
		root       string
		w          *worker.Worker
		factory    *buffer.Factory
		txSock     *netio.Endpoint
		txAddr     *net.UDPAddr
		client     *net.UDPConn
		terminated chan struct{}
	)

	BeforeEach(func() {
		root = GinkgoT().TempDir()
		terminated = make(chan struct{}, 1)

		pol, err := security.NewPolicy(root, security.OverwriteAllow, security.CreationAllow, security.ReadAllow)
		Expect(err).ToNot(HaveOccurred())

		factory = buffer.NewFactory(8)
		w = worker.New(0, worker.Config{
			Policy:    pol,
			Locks:     security.NewLocks(),
			Factory:   factory,
			BlockSize: 512,
			Timeout:   200 * time.Millisecond,
			Retries:   2,
			OnTerminate: func(workerIndex, socketIndex, clientTID, serverTID int) {
				select {
				case terminated <- struct{}{}:
				default:
				}
			},
		})

		txSock = netio.New()
		Expect(txSock.Bind("127.0.0.1", 0)).To(Succeed())
		txAddr = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: txSock.GetLocalPort()}

		client = listenClient()

		go w.Run()
	})

	AfterEach(func() {
		w.RequestStop()
		_ = client.Close()
		Eventually(func() worker.ActivityState { return w.Activity() }, time.Second).Should(Equal(worker.ActivityInactive))
	})

	It("accepts a WRQ, writes the file, and ACKs every block", func() {
		clientAddr := client.LocalAddr().(*net.UDPAddr)
		req := requestDatagram(factory, protocol.OpWRQ, "upload.bin", clientAddr)

		w.AssignTransaction(req, txSock, 0, clientAddr.Port, txSock.GetLocalPort())

		buf := make([]byte, 1024)

		Expect(client.SetReadDeadline(time.Now().Add(time.Second))).To(Succeed())
		n, from, err := client.ReadFromUDP(buf)
		Expect(err).ToNot(HaveOccurred())
		ack, ok := protocol.DecodeAck(buf[2:n])
		Expect(ok).To(BeTrue())
		Expect(ack.Block).To(Equal(uint16(0)))

		payload := []byte("hello world")
		_, err = client.WriteToUDP(protocol.EncodeData(1, payload), from)
		Expect(err).ToNot(HaveOccurred())

		Expect(client.SetReadDeadline(time.Now().Add(time.Second))).To(Succeed())
		n, _, err = client.ReadFromUDP(buf)
		Expect(err).ToNot(HaveOccurred())
		ack, ok = protocol.DecodeAck(buf[2:n])
		Expect(ok).To(BeTrue())
		Expect(ack.Block).To(Equal(uint16(1)))

		Eventually(terminated, time.Second).Should(Receive())

		written, err := os.ReadFile(filepath.Join(root, "upload.bin"))
		Expect(err).ToNot(HaveOccurred())
		Expect(written).To(Equal(payload))
	})

	It("serves an RRQ and terminates once the final block is acknowledged", func() {
		content := []byte("the quick brown fox")
		Expect(os.WriteFile(filepath.Join(root, "download.bin"), content, 0o644)).To(Succeed())

		clientAddr := client.LocalAddr().(*net.UDPAddr)
		req := requestDatagram(factory, protocol.OpRRQ, "download.bin", clientAddr)

		w.AssignTransaction(req, txSock, 0, clientAddr.Port, txSock.GetLocalPort())

		buf := make([]byte, 1024)
		Expect(client.SetReadDeadline(time.Now().Add(time.Second))).To(Succeed())
		n, _, err := client.ReadFromUDP(buf)
		Expect(err).ToNot(HaveOccurred())

		data, ok := protocol.DecodeData(buf[2:n])
		Expect(ok).To(BeTrue())
		Expect(data.Block).To(Equal(uint16(1)))
		Expect(data.Payload).To(Equal(content))

		_, err = client.WriteToUDP(protocol.EncodeAck(1), txAddr)
		Expect(err).ToNot(HaveOccurred())

		Eventually(terminated, time.Second).Should(Receive())
	})

	It("replies with a duplicate ACK and stays in state on an out-of-order DATA block", func() {
		clientAddr := client.LocalAddr().(*net.UDPAddr)
		req := requestDatagram(factory, protocol.OpWRQ, "dup.bin", clientAddr)

		w.AssignTransaction(req, txSock, 0, clientAddr.Port, txSock.GetLocalPort())

		buf := make([]byte, 1024)
		Expect(client.SetReadDeadline(time.Now().Add(time.Second))).To(Succeed())
		n, from, err := client.ReadFromUDP(buf)
		Expect(err).ToNot(HaveOccurred())
		ack, ok := protocol.DecodeAck(buf[2:n])
		Expect(ok).To(BeTrue())
		Expect(ack.Block).To(Equal(uint16(0)))

		// Send block 2 before block 1: the worker must reject it and
		// remain in WAITING_FOR_DATA rather than abort.
		_, err = client.WriteToUDP(protocol.EncodeData(2, []byte("out of order")), from)
		Expect(err).ToNot(HaveOccurred())

		Expect(client.SetReadDeadline(time.Now().Add(time.Second))).To(Succeed())
		n, _, err = client.ReadFromUDP(buf)
		Expect(err).ToNot(HaveOccurred())
		ack, ok = protocol.DecodeAck(buf[2:n])
		Expect(ok).To(BeTrue())
		Expect(ack.Block).To(Equal(uint16(0)))
		Expect(w.TxState()).To(Equal(worker.TxWaitingForData))

		payload := []byte("in order")
		_, err = client.WriteToUDP(protocol.EncodeData(1, payload), from)
		Expect(err).ToNot(HaveOccurred())

		Eventually(terminated, time.Second).Should(Receive())

		written, err := os.ReadFile(filepath.Join(root, "dup.bin"))
		Expect(err).ToNot(HaveOccurred())
		Expect(written).To(Equal(payload))
	})

	It("aborts a WRQ with an ACCESS_VIOLATION error when the path escapes root", func() {
		clientAddr := client.LocalAddr().(*net.UDPAddr)
		req := requestDatagram(factory, protocol.OpWRQ, "../../etc/passwd", clientAddr)

		w.AssignTransaction(req, txSock, 0, clientAddr.Port, txSock.GetLocalPort())

		buf := make([]byte, 1024)
		Expect(client.SetReadDeadline(time.Now().Add(time.Second))).To(Succeed())
		n, _, err := client.ReadFromUDP(buf)
		Expect(err).ToNot(HaveOccurred())

		op, ok := protocol.DecodeOpcode(buf[:n])
		Expect(ok).To(BeTrue())
		Expect(op).To(Equal(protocol.OpERROR))

		errMsg, ok := protocol.DecodeError(buf[2:n])
		Expect(ok).To(BeTrue())
		Expect(errMsg.Code).To(Equal(protocol.ErrAccessViolation))

		Eventually(terminated, time.Second).Should(Receive())
	})
})
