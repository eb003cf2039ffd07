package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/nholik/skyward/internal/spec"
)

const resolvConf = "/etc/resolv.conf"

// SystemResolver queries recursive nameservers directly, so a CNAME lookup
// returns the record itself rather than the end of its chain.
type SystemResolver struct {
	servers []string
	client  *mdns.Client
	tcp     *mdns.Client
}

// NewSystemResolver returns a resolver pinned to nameserver ("host" or
// "host:port"). An empty nameserver uses the servers in /etc/resolv.conf.
func NewSystemResolver(nameserver string) *SystemResolver {
	r := &SystemResolver{
		client: &mdns.Client{Net: "udp", Timeout: 5 * time.Second},
		tcp:    &mdns.Client{Net: "tcp", Timeout: 5 * time.Second},
	}
	switch {
	case nameserver != "":
		r.servers = []string{withPort(nameserver, "53")}
	default:
		if conf, err := mdns.ClientConfigFromFile(resolvConf); err == nil {
			for _, server := range conf.Servers {
				r.servers = append(r.servers, net.JoinHostPort(server, conf.Port))
			}
		}
		if len(r.servers) == 0 {
			r.servers = []string{"127.0.0.1:53"}
		}
	}
	return r
}

func withPort(server, port string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(strings.Trim(server, "[]"), port)
}

// Lookup implements Resolver.
func (r *SystemResolver) Lookup(ctx context.Context, rtype spec.RecordType, host string) ([]string, error) {
	var qtype uint16
	switch rtype {
	case spec.RecordA:
		qtype = mdns.TypeA
	case spec.RecordAAAA:
		qtype = mdns.TypeAAAA
	case spec.RecordCNAME:
		qtype = mdns.TypeCNAME
	default:
		return nil, fmt.Errorf("unsupported record type %q", rtype)
	}

	msg := new(mdns.Msg)
	msg.SetQuestion(mdns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, err := r.exchange(ctx, msg)
	if err != nil {
		return nil, err
	}
	switch resp.Rcode {
	case mdns.RcodeSuccess:
	case mdns.RcodeNameError:
		return nil, nil
	default:
		return nil, fmt.Errorf("lookup %s %s: %s", rtype, host, mdns.RcodeToString[resp.Rcode])
	}
	return answers(resp, qtype, mdns.Fqdn(host)), nil
}

func (r *SystemResolver) exchange(ctx context.Context, msg *mdns.Msg) (*mdns.Msg, error) {
	var errs []error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err == nil && resp.Truncated {
			resp, _, err = r.tcp.ExchangeContext(ctx, msg, server)
		}
		if err == nil {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		errs = append(errs, fmt.Errorf("%s: %w", server, err))
	}
	return nil, errors.Join(errs...)
}

// answers keeps the records of qtype. For CNAME only the record owned by
// name counts; resolvers may append the rest of the chain.
func answers(resp *mdns.Msg, qtype uint16, name string) []string {
	var out []string
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *mdns.A:
			if qtype == mdns.TypeA {
				out = append(out, rec.A.String())
			}
		case *mdns.AAAA:
			if qtype == mdns.TypeAAAA {
				out = append(out, rec.AAAA.String())
			}
		case *mdns.CNAME:
			if qtype == mdns.TypeCNAME && strings.EqualFold(rec.Hdr.Name, name) {
				out = append(out, canonical(rec.Target))
			}
		}
	}
	return out
}
