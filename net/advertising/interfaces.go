// Package advertising announces a branch on the network over UDP and listens
// for the announcements of other branches.
package advertising

import (
	"net"
	"strings"

	"github.com/Meander-Cloud/go-branch/result"
)

const (
	InterfaceLocalhost string = "localhost"
	InterfaceAll       string = "all"
)

// Interface is a network interface with the addresses of one IP family.
type Interface struct {
	Interface  net.Interface
	IsLoopback bool
	Addresses  []net.IP
}

func (i *Interface) Name() string {
	return i.Interface.Name
}

func (i *Interface) MAC() string {
	return i.Interface.HardwareAddr.String()
}

// FilterInterfaces returns the interfaces matching any of selectors, each one
// either "localhost", "all", an interface name or a MAC address. Only
// addresses of the requested family are kept and interfaces left without any
// are skipped.
func FilterInterfaces(selectors []string, ipv6 bool) ([]Interface, error) {
	ifcs, err := net.Interfaces()
	if err != nil {
		return nil, result.Newf(result.CodeEnumerateNetworkInterfacesFailed, "%v", err)
	}

	var filtered []Interface
	seen := make(map[int]struct{})

	for _, selector := range selectors {
		for _, ifc := range ifcs {
			if ifc.Flags&net.FlagUp == 0 {
				continue
			}

			isLoopback := ifc.Flags&net.FlagLoopback != 0
			all := strings.EqualFold(selector, InterfaceAll)
			sameName := selector == ifc.Name
			sameMAC := len(ifc.HardwareAddr) != 0 && strings.EqualFold(selector, ifc.HardwareAddr.String())
			bothLocalhost := strings.EqualFold(selector, InterfaceLocalhost) && isLoopback

			if !all && !sameName && !sameMAC && !bothLocalhost {
				continue
			}

			if _, found := seen[ifc.Index]; found {
				continue
			}

			addrs, err := ifc.Addrs()
			if err != nil {
				return nil, result.Newf(
					result.CodeEnumerateNetworkInterfacesFailed,
					"interface %s: %v",
					ifc.Name,
					err,
				)
			}

			var ips []net.IP
			for _, addr := range addrs {
				ipnet, ok := addr.(*net.IPNet)
				if !ok {
					continue
				}
				if (ipnet.IP.To4() == nil) == ipv6 {
					ips = append(ips, ipnet.IP)
				}
			}

			if len(ips) == 0 {
				continue
			}

			seen[ifc.Index] = struct{}{}
			filtered = append(
				filtered,
				Interface{
					Interface:  ifc,
					IsLoopback: isLoopback,
					Addresses:  ips,
				},
			)
		}
	}

	return filtered, nil
}
