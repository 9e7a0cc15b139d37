package probe

import (
	"context"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// icmpEcho sends exactly one echo request and waits for the reply within the
// context deadline. Needs CAP_NET_RAW (or root) for the raw socket.
func icmpEcho(ctx context.Context, ip string) (time.Duration, bool) {
	pinger := probing.New(ip)
	pinger.Count = 1
	pinger.SetPrivileged(true)
	if deadline, ok := ctx.Deadline(); ok {
		pinger.Timeout = time.Until(deadline)
	} else {
		pinger.Timeout = PingTimeout
	}

	if err := pinger.RunWithContext(ctx); err != nil {
		return 0, false
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, false
	}
	return stats.AvgRtt, true
}
