package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// allowedSchemes はジャケット画像参照として保存を許可するURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks は画像参照として受け付けないネットワーク範囲。
// 画像リゾルバがこれらの参照を取得しに行くことでSSRFにつながるのを防ぐ。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック
		"127.0.0.0/8",
		// リンクローカル - クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// ValidateCoverRef はリモートから取得した画像参照を保存してよいか検証する。
// DNS解決を伴わない静的な検証で、スキーム・ホスト・IPアドレスを確認する。
func ValidateCoverRef(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

// FilterCoverRefs は検証に通った画像参照だけを順序を保って返す。
func FilterCoverRefs(refs []string) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if ValidateCoverRef(r) == nil {
			out = append(out, r)
		}
	}
	return out
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
