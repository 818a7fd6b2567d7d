package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ImageURLChecker は出品者が指定したカバー画像URLを検証する。
// 外部URLへのリクエストはSSRF防止付きのHTTPクライアントで行う。
type ImageURLChecker interface {
	// ValidateURL はDNS解決を伴わない静的な検証を行う。
	ValidateURL(rawURL string) error
	// Check は静的検証に加え、HEADリクエストで画像が取得可能かを確認する。
	Check(ctx context.Context, rawURL string) error
}

// blockedNetworks は静的検証でブロックするネットワーク範囲。
// DNS解決後のIPはsafeurlがDialer側で検証する。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
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

// imageURLChecker はImageURLCheckerの実装。
type imageURLChecker struct {
	client *http.Client
	// validate はCheck時の静的検証（テストで差し替え可能）。
	validate func(rawURL string) error
}

// NewImageURLChecker はImageURLCheckerを生成する。
// safeurlによりプライベートIP、ループバック、リンクローカル、メタデータIPへの接続がブロックされる。
func NewImageURLChecker(timeout time.Duration) *imageURLChecker {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	c := &imageURLChecker{client: safeurl.Client(config).Client}
	c.validate = c.ValidateURL
	return c
}

// ValidateURL はhttpsスキーム・ホスト・IPアドレスを検証する。
func (c *imageURLChecker) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if !strings.EqualFold(parsed.Scheme, "https") {
		return fmt.Errorf("disallowed scheme: %q (https only)", parsed.Scheme)
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
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

// Check はURLがimage/*のコンテンツを返すことをHEADリクエストで確認する。
func (c *imageURLChecker) Check(ctx context.Context, rawURL string) error {
	if err := c.validate(rawURL); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("image URL is not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("image URL returned status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(strings.ToLower(ct), "image/") {
		return fmt.Errorf("image URL has non-image content type %q", ct)
	}
	return nil
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
