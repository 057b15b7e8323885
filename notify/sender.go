// Package notify fans map-update events out to external UDP/TCP sinks -
// fleet telemetry collectors, legacy visualization tools - that want a plain
// line-oriented feed rather than a WebSocket connection to the live viewer
// hub. The multi-transport Sender, its per-sink flag mask, and the
// reconnecting TCP client loop are carried over from this stack's own
// downstream relay sender.
package notify

import (
	"log"
	"net"
	"sync"
	"time"
)

type Message struct {
	Data []byte
	Flag uint32
}

type udpTarget struct {
	addr *net.UDPAddr
	flag uint32
}

type tcpClient struct {
	addr    string
	flag    uint32
	queue   chan *Message
	running bool
	wg      sync.WaitGroup
}

// Sender multiplexes outgoing notification messages across any number of
// UDP and TCP sinks, each subscribed to a subset of flags.
type Sender struct {
	udpTargets []*udpTarget
	tcpClients []*tcpClient
	connUDP    *net.UDPConn
	header     []byte
	running    bool
}

// NewSender builds an idle sender; call Start before Send.
func NewSender() *Sender {
	return &Sender{
		udpTargets: make([]*udpTarget, 0),
		tcpClients: make([]*tcpClient, 0),
	}
}

// SetHeader prefixes every outgoing message with "hdr:", matching the
// convention downstream relay consumers expect on this line protocol.
func (s *Sender) SetHeader(hdr string) {
	if hdr == "" {
		s.header = nil
	} else {
		s.header = []byte(hdr + ":")
	}
}

// AddUDPSender registers a UDP sink that receives every Send call whose flag
// is a subset of mask.
func (s *Sender) AddUDPSender(addr string, mask uint32) error {
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	s.udpTargets = append(s.udpTargets, &udpTarget{addr: uaddr, flag: mask})
	return nil
}

// AddTCPSender registers a TCP sink with its own reconnecting send loop.
func (s *Sender) AddTCPSender(addr string, mask uint32) {
	client := &tcpClient{
		addr:  addr,
		flag:  mask,
		queue: make(chan *Message, 1000),
	}
	s.tcpClients = append(s.tcpClients, client)
}

// Start opens the shared UDP socket and launches every TCP sink's loop.
func (s *Sender) Start() error {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}
	s.connUDP = conn
	s.running = true

	for _, c := range s.tcpClients {
		c.start()
	}
	return nil
}

// Stop closes the UDP socket, closes every TCP sink's queue and waits for its
// loop to exit; messages still queued at that point are dropped, not sent.
func (s *Sender) Stop() {
	s.running = false
	if s.connUDP != nil {
		s.connUDP.Close()
	}
	for _, c := range s.tcpClients {
		c.stop()
	}
}

// Send delivers data to every sink whose mask is a superset of flag.
func (s *Sender) Send(data []byte, flag uint32) {
	if !s.running {
		return
	}

	var msgData []byte
	if len(s.header) > 0 {
		msgData = make([]byte, len(s.header)+len(data))
		copy(msgData, s.header)
		copy(msgData[len(s.header):], data)
	} else {
		msgData = data
	}

	msg := &Message{Data: msgData, Flag: flag}

	for _, t := range s.udpTargets {
		if (t.flag & flag) == flag {
			if _, err := s.connUDP.WriteToUDP(msgData, t.addr); err != nil {
				log.Printf("notify: udp send to %s failed: %v", t.addr, err)
			}
		}
	}

	for _, c := range s.tcpClients {
		if (c.flag & flag) == flag {
			select {
			case c.queue <- msg:
			default:
				log.Printf("notify: tcp sink %s queue full, dropping message", c.addr)
			}
		}
	}
}

func (c *tcpClient) start() {
	c.running = true
	c.wg.Add(1)
	go c.loop()
}

func (c *tcpClient) stop() {
	c.running = false
	close(c.queue)
	c.wg.Wait()
}

func (c *tcpClient) loop() {
	defer c.wg.Done()
	var conn net.Conn
	var err error

	connect := func() bool {
		if conn != nil {
			return true
		}
		conn, err = net.DialTimeout("tcp", c.addr, 2*time.Second)
		return err == nil
	}

	for msg := range c.queue {
		if !c.running {
			break
		}

		if !connect() {
			time.Sleep(500 * time.Millisecond)
			if !connect() {
				continue
			}
		}

		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err = conn.Write(msg.Data); err != nil {
			log.Printf("notify: tcp write to %s failed: %v", c.addr, err)
			conn.Close()
			conn = nil
			time.Sleep(100 * time.Millisecond)
		}
	}
	if conn != nil {
		conn.Close()
	}
}
