package local

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"
)

// HostDir is the directory name derived from a target host: the hex md5
// of its name, safe for any host string.
func HostDir(host string) string {
	sum := md5.Sum([]byte(host))
	return hex.EncodeToString(sum[:])
}

// CacheSubpath expands pattern into the per-host directory below the
// output root. %h is HostDir(host), %N the host name and %P pid; %%
// stays a literal percent. The rest is a strftime format of start.
// Leading slashes are dropped and an empty result falls back to
// HostDir(host).
func CacheSubpath(pattern, host string, start time.Time, pid int) string {
	hostDir := HostDir(host)

	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '%' || i+1 == len(pattern) {
			b.WriteByte(pattern[i])
			continue
		}
		i++
		switch pattern[i] {
		case 'h':
			b.WriteString(hostDir)
		case 'N':
			b.WriteString(strings.ReplaceAll(host, "%", "%%"))
		case 'P':
			b.WriteString(strconv.Itoa(pid))
		default:
			b.WriteByte('%')
			b.WriteByte(pattern[i])
		}
	}

	path := strings.TrimLeft(strftime.Format(b.String(), start), "/")
	if path == "" {
		return hostDir
	}
	return path
}
