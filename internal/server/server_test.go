package server_test

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/tftpd/internal/protocol"
	"github.com/nabbar/tftpd/internal/security"
	"github.com/nabbar/tftpd/internal/server"
)

func TestServer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "server suite")
}

func freeUDPPort() int {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	Expect(err).ToNot(HaveOccurred())
	port := conn.LocalAddr().(*net.UDPAddr).Port
	Expect(conn.Close()).To(Succeed())
	return port
}

var _ = Describe("server end to end", func() {
	var (
		root string
		port int
		srv  *server.Server
	)

	BeforeEach(func() {
		root = GinkgoT().TempDir()
		port = freeUDPPort()

		var err error
		srv, err = server.New(server.Setup{
			Host:        "127.0.0.1",
			Port:        port,
			Root:        root,
			ThreadCount: 2,
			Timeout:     5 * time.Second,
			Retries:     2,
			Overwrite:   security.OverwriteAllow,
			Creation:    security.CreationAllow,
			Read:        security.ReadAllow,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(srv.Start()).To(Succeed())
	})

	AfterEach(func() {
		Expect(srv.Stop()).To(Succeed())
	})

	It("accepts a WRQ upload end to end", func() {
		client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
		Expect(err).ToNot(HaveOccurred())
		defer client.Close()

		serverAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
		_, err = client.WriteToUDP(protocol.EncodeRequest(protocol.OpWRQ, "hello.txt", protocol.ModeOctet), serverAddr)
		Expect(err).ToNot(HaveOccurred())

		buf := make([]byte, 1024)
		Expect(client.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
		n, from, err := client.ReadFromUDP(buf)
		Expect(err).ToNot(HaveOccurred())
		ack, ok := protocol.DecodeAck(buf[2:n])
		Expect(ok).To(BeTrue())
		Expect(ack.Block).To(Equal(uint16(0)))
		Expect(from.Port).ToNot(Equal(port))

		payload := []byte("end to end payload")
		_, err = client.WriteToUDP(protocol.EncodeData(1, payload), from)
		Expect(err).ToNot(HaveOccurred())

		Expect(client.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
		n, _, err = client.ReadFromUDP(buf)
		Expect(err).ToNot(HaveOccurred())
		ack, ok = protocol.DecodeAck(buf[2:n])
		Expect(ok).To(BeTrue())
		Expect(ack.Block).To(Equal(uint16(1)))

		Eventually(func() ([]byte, error) {
			return os.ReadFile(filepath.Join(root, "hello.txt"))
		}, time.Second).Should(Equal(payload))
	})

	It("rejects admission once every worker is busy", func() {
		clients := make([]*net.UDPConn, 0, 3)
		defer func() {
			for _, c := range clients {
				_ = c.Close()
			}
		}()

		serverAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}

		// ThreadCount is 2: the first two WRQs occupy every worker and
		// leave their transactions open by never sending the first DATA
		// block, so the third request must be rejected.
		for i := 0; i < 2; i++ {
			c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
			Expect(err).ToNot(HaveOccurred())
			clients = append(clients, c)

			name := fmt.Sprintf("busy-%d.bin", i)
			_, err = c.WriteToUDP(protocol.EncodeRequest(protocol.OpWRQ, name, protocol.ModeOctet), serverAddr)
			Expect(err).ToNot(HaveOccurred())

			buf := make([]byte, 1024)
			Expect(c.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
			_, _, err = c.ReadFromUDP(buf)
			Expect(err).ToNot(HaveOccurred())
		}

		third, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
		Expect(err).ToNot(HaveOccurred())
		clients = append(clients, third)

		_, err = third.WriteToUDP(protocol.EncodeRequest(protocol.OpWRQ, "rejected.bin", protocol.ModeOctet), serverAddr)
		Expect(err).ToNot(HaveOccurred())

		buf := make([]byte, 1024)
		Expect(third.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
		n, _, err := third.ReadFromUDP(buf)
		Expect(err).ToNot(HaveOccurred())

		op, ok := protocol.DecodeOpcode(buf[:n])
		Expect(ok).To(BeTrue())
		Expect(op).To(Equal(protocol.OpERROR))

		errMsg, ok := protocol.DecodeError(buf[2:n])
		Expect(ok).To(BeTrue())
		Expect(errMsg.Code).To(Equal(protocol.ErrUndefined))
	})
})
