package sampler

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"metl-sql/internal/domain"
)

var dfPercent = regexp.MustCompile(`[0-9]+%`)

// CommandFunc runs an external command and returns its standard output.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output() //nolint:gosec // fixed command names
}

// Host reads point-in-time host facts that need no history.
type Host struct {
	MeminfoPath string
	Run         CommandFunc
	Timeout     time.Duration
}

// NewHost returns a Host reading meminfoPath and running commands with
// os/exec.
func NewHost(meminfoPath string) *Host {
	if meminfoPath == "" {
		meminfoPath = "/proc/meminfo"
	}
	return &Host{MeminfoPath: meminfoPath, Run: runCommand, Timeout: 5 * time.Second}
}

// DiskUsed returns the used percentage of the root filesystem as reported
// by df, for example "37%", or "Unknown".
func (h *Host) DiskUsed(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()
	out, err := h.Run(ctx, "df", "/")
	if err != nil {
		return domain.Unknown
	}
	if m := dfPercent.Find(out); m != nil {
		return string(m)
	}
	return domain.Unknown
}

// MemoryUsed returns (MemTotal - MemAvailable) / MemTotal as a percentage,
// or "Unknown".
func (h *Host) MemoryUsed() string {
	f, err := os.Open(h.MeminfoPath)
	if err != nil {
		return domain.Unknown
	}
	defer f.Close() //nolint:errcheck

	var total, avail uint64
	var haveTotal, haveAvail bool
	sc := bufio.NewScanner(f)
	for sc.Scan() && !(haveTotal && haveAvail) {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "MemTotal":
			total, haveTotal = v, true
		case "MemAvailable":
			avail, haveAvail = v, true
		}
	}
	if !haveTotal || !haveAvail || total == 0 || avail > total {
		return domain.Unknown
	}
	return fmt.Sprintf("%.0f%%", 100*float64(total-avail)/float64(total))
}

// Timezone returns the IANA name of the host's zone when it can be found,
// otherwise the zone abbreviation.
func Timezone() string {
	if tz := os.Getenv("TZ"); tz != "" {
		return strings.TrimPrefix(tz, ":")
	}
	if target, err := os.Readlink("/etc/localtime"); err == nil {
		if _, name, ok := strings.Cut(filepath.ToSlash(target), "zoneinfo/"); ok && name != "" {
			return name
		}
	}
	if b, err := os.ReadFile("/etc/timezone"); err == nil {
		if name := strings.TrimSpace(string(b)); name != "" {
			return name
		}
	}
	name, _ := time.Now().Zone()
	return name
}
