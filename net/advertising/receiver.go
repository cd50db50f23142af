package advertising

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/Meander-Cloud/go-branch/message"
	"github.com/Meander-Cloud/go-branch/result"
)

// Observer is called on the receive goroutine for every advertisement of
// another branch.
type Observer func(id uuid.UUID, tcpAddr *net.TCPAddr)

type ReceiverOptions struct {
	// multicast group to join, or a unicast address which skips the join
	Address    *net.UDPAddr
	Interfaces []string

	LogPrefix string
	Logger    *zap.SugaredLogger
}

type Receiver struct {
	options *ReceiverOptions
	log     *zap.SugaredLogger
	conn    net.PacketConn

	inShutdown atomic.Bool
	exitwg     sync.WaitGroup
}

// NewReceiver binds the advertising port; reception starts with Start.
func NewReceiver(options *ReceiverOptions) (*Receiver, error) {
	if options.Logger == nil {
		return nil, result.Newf(result.CodeInvalidParam, "%s: nil Logger", options.LogPrefix)
	}

	if options.Address == nil {
		return nil, result.Newf(result.CodeInvalidParam, "%s: nil Address", options.LogPrefix)
	}

	network := "udp4"
	if isIPv6(options.Address.IP) {
		network = "udp6"
	}

	lc := net.ListenConfig{
		Control: reuseAddressControl,
	}

	conn, err := lc.ListenPacket(
		context.Background(),
		network,
		net.JoinHostPort("", strconv.Itoa(options.Address.Port)),
	)
	if err != nil {
		return nil, result.Newf(result.CodeBindSocketFailed, "port %d: %v", options.Address.Port, err)
	}

	return &Receiver{
		options: options,
		log:     options.Logger.Named("AdvertisingReceiver"),
		conn:    conn,
	}, nil
}

// LocalPort is the bound UDP port.
func (r *Receiver) LocalPort() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

func (r *Receiver) joinMulticastGroups() bool {
	group := r.options.Address.IP
	if !group.IsMulticast() {
		return true
	}

	ifcs, err := FilterInterfaces(r.options.Interfaces, isIPv6(group))
	if err != nil {
		r.log.Errorf("%s: %s", r.options.LogPrefix, err.Error())
		return false
	}

	joined := false
	for i := range ifcs {
		ifc := &ifcs[i]

		if isIPv6(group) {
			err = ipv6.NewPacketConn(r.conn).JoinGroup(&ifc.Interface, &net.UDPAddr{IP: group})
		} else {
			err = ipv4.NewPacketConn(r.conn).JoinGroup(&ifc.Interface, &net.UDPAddr{IP: group})
		}

		if err != nil {
			r.log.Errorf(
				"%s: %s",
				r.options.LogPrefix,
				result.Newf(
					result.CodeJoinMulticastGroupFailed,
					"group %s on interface %s: %v, this interface will be ignored",
					group.String(),
					ifc.Name(),
					err,
				).Error(),
			)
			continue
		}

		r.log.Infof("%s: using interface %s for receiving advertising messages", r.options.LogPrefix, ifc.Name())
		joined = true
	}

	if !joined {
		r.log.Errorf("%s: no network interfaces available for receiving advertising messages", r.options.LogPrefix)
	}

	return joined
}

// Start joins the advertising group and starts the receive goroutine. If no
// interface could join, nothing is received.
func (r *Receiver) Start(ownID uuid.UUID, observer Observer) {
	if !r.joinMulticastGroups() {
		return
	}

	r.exitwg.Add(1)
	go r.receiveLoop(ownID, observer)
}

func (r *Receiver) receiveLoop(ownID uuid.UUID, observer Observer) {
	defer r.exitwg.Done()

	// one extra byte so oversized packets are detected
	buf := make([]byte, message.AdvertisingMessageSize+1)

	for {
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if r.inShutdown.Load() {
				return
			}
			r.log.Errorf(
				"%s: failed to receive advertising message: %v, no more advertising messages will be received",
				r.options.LogPrefix,
				err,
			)
			return
		}

		if n != message.AdvertisingMessageSize {
			r.log.Warnf("%s: unexpected advertising message size %d received from %s", r.options.LogPrefix, n, addr)
			continue
		}

		id, tcpPort, err := message.ParseAdvertisingMessage(buf[:n])
		if err != nil {
			r.log.Warnf("%s: invalid advertising message received from %s: %s", r.options.LogPrefix, addr, err.Error())
			continue
		}

		if id == ownID {
			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}

		observer(
			id,
			&net.TCPAddr{
				IP:   udpAddr.IP,
				Port: int(tcpPort),
				Zone: udpAddr.Zone,
			},
		)
	}
}

func (r *Receiver) Close() {
	if r.inShutdown.Swap(true) {
		return
	}
	_ = r.conn.Close()
	r.exitwg.Wait()
}
