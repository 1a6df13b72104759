package backend

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/yllada/vpn-sessiond/sessionmgr"
)

// statusNames maps the counters of an OpenVPN version 1 status file to
// session statistic names.
var statusNames = map[string]string{
	"TCP/UDP read bytes":  sessionmgr.StatBytesIn,
	"TCP/UDP write bytes": sessionmgr.StatBytesOut,
	"TUN/TAP read bytes":  sessionmgr.StatTunBytesIn,
	"TUN/TAP write bytes": sessionmgr.StatTunBytesOut,
}

// parseStatus reads the statistics section of a status file:
//
//	OpenVPN STATISTICS
//	Updated,2024-01-01 10:00:00
//	TUN/TAP read bytes,1024
//	...
//	END
//
// Unknown counters are kept under their name in upper case with spaces
// and slashes replaced.
func parseStatus(r io.Reader) (sessionmgr.Statistics, error) {
	scanner := bufio.NewScanner(r)
	var (
		stats  sessionmgr.Statistics
		inside bool
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "OpenVPN STATISTICS":
			inside = true
			continue
		case line == "END" && inside:
			return stats, nil
		case !inside || strings.HasPrefix(line, "Updated,"):
			continue
		}

		name, value, ok := strings.Cut(line, ",")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			continue
		}
		key, known := statusNames[name]
		if !known {
			key = strings.ToUpper(strings.NewReplacer(" ", "_", "/", "_").Replace(name))
		}
		stats = append(stats, sessionmgr.Stat{Name: key, Value: n})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !inside {
		return nil, errors.New("no statistics section")
	}
	return stats, nil
}
