package devices

import (
	"net"
	"strings"
)

// ParseStaticDevices parses "ip,name;ip,name" into pinned devices. Entries
// without a valid IP are skipped; a missing name falls back to the IP.
func ParseStaticDevices(list string) []Discovered {
	var out []Discovered
	for _, entry := range strings.Split(list, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		ip, name, _ := strings.Cut(entry, ",")
		ip = strings.TrimSpace(ip)
		name = strings.TrimSpace(name)
		if net.ParseIP(ip) == nil {
			continue
		}
		if name == "" {
			name = ip
		}

		out = append(out, Discovered{
			Host:         ip,
			USN:          "static:" + ip,
			FriendlyName: name,
			Source:       SourceStatic,
		})
	}
	return out
}

// AddStatic reports every pinned device to sink.
func AddStatic(sink Sink, list string) int {
	devs := ParseStaticDevices(list)
	for _, d := range devs {
		sink.DeviceAvailable(d)
	}
	return len(devs)
}
