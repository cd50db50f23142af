package branch

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Meander-Cloud/go-branch/config"
	"github.com/Meander-Cloud/go-branch/message"
	"github.com/Meander-Cloud/go-branch/net/advertising"
	"github.com/Meander-Cloud/go-branch/result"
)

const (
	// JavaScript Date.toISOString layout
	timestampLayout string = "2006-01-02T15:04:05.000Z"
)

// Info is the identity of a branch. It is never modified after creation.
type Info struct {
	UUID                uuid.UUID
	Name                string
	Description         string
	NetworkName         string
	Path                string
	Hostname            string
	Pid                 int
	TCPServerPort       uint16
	StartTime           time.Time
	Timeout             time.Duration // negative means infinite
	AdvertisingInterval time.Duration // negative means advertising disabled
	GhostMode           bool
}

type infoJSON struct {
	UUID                string  `json:"uuid"`
	Name                string  `json:"name"`
	Description         string  `json:"description"`
	NetworkName         string  `json:"network_name"`
	Path                string  `json:"path"`
	Hostname            string  `json:"hostname"`
	Pid                 int     `json:"pid"`
	TCPServerPort       uint16  `json:"tcp_server_port"`
	StartTime           string  `json:"start_time"`
	Timeout             float64 `json:"timeout"`
	AdvertisingInterval float64 `json:"advertising_interval"`
	GhostMode           bool    `json:"ghost_mode"`
}

func durationSeconds(d time.Duration) float64 {
	if d < 0 {
		return -1
	}
	return d.Seconds()
}

func secondsDuration(s float64) time.Duration {
	if s < 0 {
		return -1
	}
	return time.Duration(s * float64(time.Second))
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func (i *Info) toJSON() infoJSON {
	return infoJSON{
		UUID:                i.UUID.String(),
		Name:                i.Name,
		Description:         i.Description,
		NetworkName:         i.NetworkName,
		Path:                i.Path,
		Hostname:            i.Hostname,
		Pid:                 i.Pid,
		TCPServerPort:       i.TCPServerPort,
		StartTime:           formatTimestamp(i.StartTime),
		Timeout:             durationSeconds(i.Timeout),
		AdvertisingInterval: durationSeconds(i.AdvertisingInterval),
		GhostMode:           i.GhostMode,
	}
}

// LogPrefix is the bracketed UUID used in log lines concerning this branch.
func (i *Info) LogPrefix() string {
	return "[" + i.UUID.String() + "]"
}

// LocalInfo is the identity of the branch in this process plus its local
// network settings.
type LocalInfo struct {
	Info

	AdvertisingInterfaces []advertising.Interface
	AdvertisingAddress    net.IP
	AdvertisingPort       uint16
	TxQueueSize           int
	RxQueueSize           int
	TransceiveByteLimit   int

	infoMessage []byte
}

type interfaceJSON struct {
	Name       string   `json:"name"`
	MAC        string   `json:"mac"`
	Addresses  []string `json:"addresses"`
	IsLoopback bool     `json:"is_loopback"`
}

type localInfoJSON struct {
	infoJSON
	AdvertisingInterfaces []interfaceJSON `json:"advertising_interfaces"`
	AdvertisingAddress    string          `json:"advertising_address"`
	AdvertisingPort       uint16          `json:"advertising_port"`
	TxQueueSize           int             `json:"tx_queue_size"`
	RxQueueSize           int             `json:"rx_queue_size"`
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown hostname"
	}
	return h
}

func newLocalInfo(
	c *config.BranchConfig,
	ifcs []advertising.Interface,
	tcpServerPort uint16,
) (*LocalInfo, error) {
	host := hostname()
	pid := os.Getpid()

	name := c.Name
	if name == "" {
		name = fmt.Sprintf("%d@%s", pid, host)
	}

	networkName := c.NetworkName
	if networkName == "" {
		networkName = host
	}

	path := c.Path
	if path == "" {
		path = "/" + name
	}

	info := &LocalInfo{
		Info: Info{
			UUID:                uuid.New(),
			Name:                name,
			Description:         c.Description,
			NetworkName:         networkName,
			Path:                path,
			Hostname:            host,
			Pid:                 pid,
			TCPServerPort:       tcpServerPort,
			StartTime:           time.Now(),
			Timeout:             c.Timeout,
			AdvertisingInterval: c.AdvertisingInterval,
			GhostMode:           c.GhostMode,
		},
		AdvertisingInterfaces: ifcs,
		AdvertisingAddress:    net.ParseIP(c.AdvertisingAddress),
		AdvertisingPort:       c.AdvertisingPort,
		TxQueueSize:           c.TxQueueSize,
		RxQueueSize:           c.RxQueueSize,
		TransceiveByteLimit:   c.TransceiveByteLimit,
	}

	body, err := json.Marshal(
		&message.InfoBody{
			Name:                info.Name,
			Description:         info.Description,
			NetworkName:         info.NetworkName,
			Path:                info.Path,
			Hostname:            info.Hostname,
			Pid:                 info.Pid,
			StartTime:           info.StartTime.UnixMicro(),
			Timeout:             durationSeconds(info.Timeout),
			AdvertisingInterval: durationSeconds(info.AdvertisingInterval),
			GhostMode:           info.GhostMode,
		},
	)
	if err != nil {
		return nil, result.Newf(result.CodeUnknown, "serializing info message: %v", err)
	}

	if len(body) > config.MaxMessagePayloadSize {
		return nil, result.Newf(result.CodePayloadTooLarge, "info message body of %d bytes", len(body))
	}

	info.infoMessage = message.MakeInfoMessage(info.UUID, info.TCPServerPort, body)
	return info, nil
}

// InfoMessage is the serialized info message sent at the start of every
// connection.
func (i *LocalInfo) InfoMessage() []byte {
	return i.infoMessage
}

func (i *LocalInfo) JSON() string {
	v := localInfoJSON{
		infoJSON:              i.toJSON(),
		AdvertisingInterfaces: make([]interfaceJSON, 0, len(i.AdvertisingInterfaces)),
		AdvertisingAddress:    i.AdvertisingAddress.String(),
		AdvertisingPort:       i.AdvertisingPort,
		TxQueueSize:           i.TxQueueSize,
		RxQueueSize:           i.RxQueueSize,
	}

	for idx := range i.AdvertisingInterfaces {
		ifc := &i.AdvertisingInterfaces[idx]
		addrs := make([]string, 0, len(ifc.Addresses))
		for _, addr := range ifc.Addresses {
			addrs = append(addrs, addr.String())
		}
		v.AdvertisingInterfaces = append(
			v.AdvertisingInterfaces,
			interfaceJSON{
				Name:       ifc.Name(),
				MAC:        ifc.MAC(),
				Addresses:  addrs,
				IsLoopback: ifc.IsLoopback,
			},
		)
	}

	return mustMarshal(v)
}

// RemoteInfo is the identity a peer reported during the info exchange.
type RemoteInfo struct {
	Info

	TCPServerAddress net.IP
}

type remoteInfoJSON struct {
	infoJSON
	TCPServerAddress string `json:"tcp_server_address"`
}

func parseRemoteInfo(b []byte, peerAddress net.IP) (*RemoteInfo, error) {
	id, tcpPort, body, err := message.ParseInfoMessage(b, config.MaxMessagePayloadSize)
	if err != nil {
		return nil, err
	}

	var ib message.InfoBody
	err = json.Unmarshal(body, &ib)
	if err != nil {
		return nil, result.Newf(result.CodeDeserializeMsgFailed, "info message body: %v", err)
	}

	return &RemoteInfo{
		Info: Info{
			UUID:                id,
			Name:                ib.Name,
			Description:         ib.Description,
			NetworkName:         ib.NetworkName,
			Path:                ib.Path,
			Hostname:            ib.Hostname,
			Pid:                 ib.Pid,
			TCPServerPort:       tcpPort,
			StartTime:           time.UnixMicro(ib.StartTime),
			Timeout:             secondsDuration(ib.Timeout),
			AdvertisingInterval: secondsDuration(ib.AdvertisingInterval),
			GhostMode:           ib.GhostMode,
		},
		TCPServerAddress: peerAddress,
	}, nil
}

func (i *RemoteInfo) toRemoteJSON() remoteInfoJSON {
	addr := ""
	if i.TCPServerAddress != nil {
		addr = i.TCPServerAddress.String()
		// drop the IPv6 zone
		if idx := strings.IndexByte(addr, '%'); idx >= 0 {
			addr = addr[:idx]
		}
	}

	return remoteInfoJSON{
		infoJSON:         i.toJSON(),
		TCPServerAddress: addr,
	}
}

func (i *RemoteInfo) JSON() string {
	return mustMarshal(i.toRemoteJSON())
}

func mustMarshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// only plain strings and numbers are marshaled here
		panic(err)
	}
	return string(b)
}
