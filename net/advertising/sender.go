package advertising

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/Meander-Cloud/go-branch/arbiter"
	"github.com/Meander-Cloud/go-branch/message"
	"github.com/Meander-Cloud/go-branch/result"
)

type SenderOptions struct {
	Arbiter *arbiter.Arbiter

	// multicast group, or a unicast address which bypasses interface selection
	Address    *net.UDPAddr
	Interval   time.Duration
	Interfaces []string

	LogPrefix string
	Logger    *zap.SugaredLogger
}

type socketEntry struct {
	name string
	conn net.PacketConn
}

// Sender periodically announces the branch UUID and TCP port on every usable
// interface.
type Sender struct {
	options *SenderOptions
	log     *zap.SugaredLogger

	mutex   sync.Mutex
	sockets []*socketEntry
	msg     []byte
	closed  bool
}

func NewSender(options *SenderOptions) (*Sender, error) {
	if options.Arbiter == nil {
		return nil, result.Newf(result.CodeInvalidParam, "%s: nil Arbiter", options.LogPrefix)
	}

	if options.Logger == nil {
		return nil, result.Newf(result.CodeInvalidParam, "%s: nil Logger", options.LogPrefix)
	}

	if options.Address == nil || options.Interval <= 0 {
		return nil, result.Newf(
			result.CodeInvalidParam,
			"%s: invalid Address=%v, Interval=%v",
			options.LogPrefix,
			options.Address,
			options.Interval,
		)
	}

	s := &Sender{
		options: options,
		log:     options.Logger.Named("AdvertisingSender"),
	}

	err := s.setupSockets()
	if err != nil {
		return nil, err
	}

	return s, nil
}

func isIPv6(ip net.IP) bool {
	return ip.To4() == nil
}

func (s *Sender) setupSockets() error {
	ip := s.options.Address.IP
	network := "udp4"
	if isIPv6(ip) {
		network = "udp6"
	}

	if !ip.IsMulticast() {
		conn, err := net.ListenPacket(network, ":0")
		if err != nil {
			return result.Newf(result.CodeOpenSocketFailed, "%v", err)
		}
		s.sockets = append(s.sockets, &socketEntry{name: ip.String(), conn: conn})
		return nil
	}

	ifcs, err := FilterInterfaces(s.options.Interfaces, isIPv6(ip))
	if err != nil {
		return err
	}

	for i := range ifcs {
		ifc := &ifcs[i]

		conn, err := net.ListenPacket(network, ":0")
		if err != nil {
			s.closeSockets()
			return result.Newf(result.CodeOpenSocketFailed, "%v", err)
		}

		if isIPv6(ip) {
			pc := ipv6.NewPacketConn(conn)
			err = pc.SetMulticastInterface(&ifc.Interface)
			if err == nil {
				err = pc.SetMulticastLoopback(true)
			}
		} else {
			pc := ipv4.NewPacketConn(conn)
			err = pc.SetMulticastInterface(&ifc.Interface)
			if err == nil {
				err = pc.SetMulticastLoopback(true)
			}
		}

		if err != nil {
			s.log.Errorf(
				"%s: could not set outbound interface %s: %v, this interface will be ignored",
				s.options.LogPrefix,
				ifc.Name(),
				err,
			)
			_ = conn.Close()
			continue
		}

		s.sockets = append(s.sockets, &socketEntry{name: ifc.Name(), conn: conn})
	}

	return nil
}

// Start sends the first advertisement right away, then one per interval.
func (s *Sender) Start(id uuid.UUID, tcpPort uint16) {
	s.mutex.Lock()
	s.msg = message.MakeAdvertisingMessage(id, tcpPort)
	for _, entry := range s.sockets {
		s.log.Infof("%s: using interface %s for sending advertising messages", s.options.LogPrefix, entry.name)
	}
	s.mutex.Unlock()

	s.options.Arbiter.Post(s.sendAdvertisements)
}

// arbiter goroutine
func (s *Sender) sendAdvertisements() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return
	}

	if len(s.sockets) == 0 {
		s.log.Errorf("%s: no network interfaces available for sending advertising messages", s.options.LogPrefix)
		return
	}

	remaining := s.sockets[:0]
	for _, entry := range s.sockets {
		_, err := entry.conn.WriteTo(s.msg, s.options.Address)
		if err != nil {
			s.log.Errorf(
				"%s: sending advertisement over %s failed: %v, no more advertising messages will be sent over this interface",
				s.options.LogPrefix,
				entry.name,
				err,
			)
			_ = entry.conn.Close()
			continue
		}
		remaining = append(remaining, entry)
	}
	s.sockets = remaining

	s.options.Arbiter.ScheduleTimer(arbiter.GroupAdvertising, s.options.Interval, s.sendAdvertisements)
}

func (s *Sender) closeSockets() {
	for _, entry := range s.sockets {
		_ = entry.conn.Close()
	}
	s.sockets = nil
}

func (s *Sender) Close() {
	s.options.Arbiter.ReleaseGroup(arbiter.GroupAdvertising)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.closed = true
	s.closeSockets()
}
