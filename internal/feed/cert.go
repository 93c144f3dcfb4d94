package feed

import (
	"context"
	"crypto/tls"
	"math"
	"net"
	"net/url"
	"time"

	"github.com/crowdwatch/crowdwatch/internal/config"
	"github.com/crowdwatch/crowdwatch/pkg/types"
)

const (
	certDialTimeout  = 10 * time.Second
	certExpiringDays = 30
)

// CheckCert dials the TLS endpoint of cfg and describes its leaf certificate.
//
// Returns nil for endpoints that are not https or wss.
func CheckCert(ctx context.Context, cfg config.FeedConfig) *types.CertStatus {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "wss") {
		return nil
	}

	cs := &types.CertStatus{
		Endpoint: cfg.Endpoint,
		AuthType: cfg.Auth.Mode,
	}
	if cs.AuthType == "" {
		cs.AuthType = "none"
	}

	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}

	dialCtx, cancel := context.WithTimeout(ctx, certDialTimeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec
			ServerName:         u.Hostname(),
		},
	}

	netConn, err := dialer.DialContext(dialCtx, "tcp", host)
	if err != nil {
		cs.Status = "unreachable"
		return cs
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	peerCerts := conn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		cs.Status = "unreachable"
		return cs
	}

	leaf := peerCerts[0]
	daysLeft := time.Until(leaf.NotAfter).Hours() / 24

	cs.NotAfter = leaf.NotAfter.UTC().Format(time.RFC3339)
	cs.Issuer = leaf.Issuer.CommonName
	if cs.Issuer == "" && len(leaf.Issuer.Organization) > 0 {
		cs.Issuer = leaf.Issuer.Organization[0]
	}
	cs.DaysLeft = int32(math.Floor(daysLeft))
	cs.Status = certState(daysLeft)
	return cs
}

func certState(daysLeft float64) string {
	switch {
	case daysLeft <= 0:
		return "expired"
	case daysLeft <= certExpiringDays:
		return "expiring"
	default:
		return "valid"
	}
}
