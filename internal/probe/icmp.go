package probe

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const (
	defaultPingTimeout = time.Second
	protocolICMP       = 1
)

// Pinger sends a single ICMP echo request and waits for the reply.
type Pinger struct {
	timeout    time.Duration
	privileged bool
	id         int
	seq        atomic.Uint32
}

// NewPinger creates a pinger. Unprivileged pingers use datagram ICMP
// sockets (net.ipv4.ping_group_range must allow the process group);
// privileged pingers use raw sockets.
func NewPinger(timeout time.Duration, privileged bool) *Pinger {
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	return &Pinger{
		timeout:    timeout,
		privileged: privileged,
		id:         os.Getpid() & 0xffff,
	}
}

// Ping returns true if target answered within the timeout. A missing
// reply is not an error.
func (p *Pinger) Ping(ctx context.Context, target string) (bool, error) {
	ipAddr, err := net.ResolveIPAddr("ip4", target)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", target, err)
	}

	network := "udp4"
	var dst net.Addr = &net.UDPAddr{IP: ipAddr.IP}
	if p.privileged {
		network = "ip4:icmp"
		dst = ipAddr
	}

	conn, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		return false, fmt.Errorf("listen %s: %w", network, err)
	}
	defer conn.Close()

	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   p.id,
			Seq:  seq,
			Data: []byte("presenced"),
		},
	}
	data, err := msg.Marshal(nil)
	if err != nil {
		return false, fmt.Errorf("marshal echo: %w", err)
	}

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false, err
	}

	if _, err := conn.WriteTo(data, dst); err != nil {
		return false, fmt.Errorf("send echo to %s: %w", target, err)
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return false, nil
			}
			return false, fmt.Errorf("read echo reply: %w", err)
		}

		reply, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq {
			continue
		}
		// Datagram sockets rewrite the ID, raw sockets see every reply
		if p.privileged && echo.ID != p.id {
			continue
		}
		if !sameHost(peer, ipAddr.IP) {
			continue
		}
		return true, nil
	}
}

func sameHost(addr net.Addr, ip net.IP) bool {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.Equal(ip)
	case *net.IPAddr:
		return a.IP.Equal(ip)
	default:
		return false
	}
}
