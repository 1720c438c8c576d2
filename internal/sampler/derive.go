package sampler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"metl-sql/internal/domain"
)

var cpuLine = regexp.MustCompile(`^cpu\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s.*`)

// cpuCounters are user, nice, system, idle and iowait jiffies.
type cpuCounters [5]uint64

func parseCPU(line string) (cpuCounters, bool) {
	var c cpuCounters
	m := cpuLine.FindStringSubmatch(line)
	if m == nil {
		return c, false
	}
	for i := range c {
		v, err := strconv.ParseUint(m[i+1], 10, 64)
		if err != nil {
			return c, false
		}
		c[i] = v
	}
	return c, true
}

// CPUPercent derives busy percent from two /proc/stat "cpu" lines, rendered
// like "40%". It returns "?" when a sample is missing or malformed, when any
// counter went backwards, or when no time elapsed.
func CPUPercent(previous, current string) string {
	if previous == "" || current == "" {
		return domain.Unavailable
	}
	prev, ok := parseCPU(previous)
	if !ok {
		return domain.Unavailable
	}
	cur, ok := parseCPU(current)
	if !ok {
		return domain.Unavailable
	}

	var total uint64
	for i := range cur {
		if cur[i] < prev[i] {
			return domain.Unavailable
		}
		total += cur[i] - prev[i]
	}
	idle := cur[3] - prev[3]
	if total == 0 {
		return domain.Unavailable
	}
	busy := 100 * float64(total-idle) / float64(total)
	return fmt.Sprintf("%.0f%%", busy)
}

// NetRates is the derived throughput of one interface.
type NetRates struct {
	Interface string
	RxPerSec  string
	TxPerSec  string
}

func unavailableRates() NetRates {
	return NetRates{Interface: domain.Unavailable, RxPerSec: domain.Unavailable, TxPerSec: domain.Unavailable}
}

type netCounters struct {
	iface  string
	rx, tx uint64
	fields int
}

// parseNetDev reads "  eth0: rx ... tx ..." where receive and transmit
// counters each take half of the fields.
func parseNetDev(line string) (netCounters, bool) {
	var n netCounters
	parts := strings.Split(line, ":")
	if len(parts) != 2 {
		return n, false
	}
	n.iface = strings.TrimSpace(parts[0])
	stats := strings.Fields(parts[1])
	if n.iface == "" || len(stats) == 0 || len(stats)%2 != 0 {
		return n, false
	}
	var err error
	if n.rx, err = strconv.ParseUint(stats[0], 10, 64); err != nil {
		return n, false
	}
	if n.tx, err = strconv.ParseUint(stats[len(stats)/2], 10, 64); err != nil {
		return n, false
	}
	n.fields = len(stats)
	return n, true
}

// NetworkRates derives receive and transmit bytes per second from two
// /proc/net/dev lines taken intervalSecs apart. Every field is "?" when a
// sample is missing, the lines disagree in interface or shape, or a counter
// went backwards.
func NetworkRates(previous, current string, intervalSecs int64) NetRates {
	if previous == "" || current == "" || intervalSecs <= 0 {
		return unavailableRates()
	}
	prev, ok := parseNetDev(previous)
	if !ok {
		return unavailableRates()
	}
	cur, ok := parseNetDev(current)
	if !ok {
		return unavailableRates()
	}
	if prev.iface != cur.iface || prev.fields != cur.fields {
		return unavailableRates()
	}
	if cur.rx < prev.rx || cur.tx < prev.tx {
		return unavailableRates()
	}
	return NetRates{
		Interface: cur.iface,
		RxPerSec:  strconv.FormatUint((cur.rx-prev.rx)/uint64(intervalSecs), 10),
		TxPerSec:  strconv.FormatUint((cur.tx-prev.tx)/uint64(intervalSecs), 10),
	}
}
