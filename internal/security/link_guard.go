package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// maxLinkLength はノートに添付できるリンクの最大長。
const maxLinkLength = 2048

// blockedNetworks は他ユーザーに表示するリンクとして許可しないアドレス範囲。
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %s: %v", cidr, err))
		}
		out = append(out, network)
	}
	return out
}

// ValidateLink はノートのリンクを静的に検証する。DNS解決は行わない。
// 空文字列はリンク無しとして有効。
func ValidateLink(raw string) error {
	if raw == "" {
		return nil
	}
	if len(raw) > maxLinkLength {
		return fmt.Errorf("link too long (max %d)", maxLinkLength)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("disallowed scheme: %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("missing host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, n := range blockedNetworks {
			if n.Contains(ip) {
				return fmt.Errorf("blocked address: %s", ip)
			}
		}
	}
	return nil
}
