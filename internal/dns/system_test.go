package dns

import (
	"context"
	"net"
	"testing"

	mdns "github.com/miekg/dns"
	"github.com/nholik/skyward/internal/spec"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startNameserver answers from a fixed zone; the CNAME answer carries the
// whole chain the way recursive resolvers return it.
func startNameserver(t *testing.T) string {
	t.Helper()
	zone := []string{
		"feed.example.test. 60 IN CNAME edge-3.lb.example.net.",
		"edge-3.lb.example.net. 60 IN CNAME pop.cdn.example.org.",
		"pop.cdn.example.org. 60 IN A 203.0.113.9",
		"pds.example.test. 60 IN A 198.51.100.4",
		"pds.example.test. 60 IN AAAA 2001:db8::4",
	}
	records := map[string][]mdns.RR{}
	for _, line := range zone {
		rr, err := mdns.NewRR(line)
		require.NoError(t, err)
		records[rr.Header().Name] = append(records[rr.Header().Name], rr)
	}

	handler := mdns.HandlerFunc(func(w mdns.ResponseWriter, req *mdns.Msg) {
		resp := new(mdns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		rrs, ok := records[q.Name]
		if !ok {
			resp.Rcode = mdns.RcodeNameError
		}
		name := q.Name
		for len(rrs) > 0 {
			next := ""
			for _, rr := range rrs {
				if rr.Header().Rrtype == q.Qtype || rr.Header().Rrtype == mdns.TypeCNAME {
					resp.Answer = append(resp.Answer, rr)
				}
				if c, ok := rr.(*mdns.CNAME); ok {
					next = c.Target
				}
			}
			if next == "" || next == name {
				break
			}
			name, rrs = next, records[next]
		}
		_ = w.WriteMsg(resp)
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	started := make(chan struct{})
	srv := &mdns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestSystemResolver_Lookup(t *testing.T) {
	r := NewSystemResolver(startNameserver(t))
	ctx := context.Background()

	tests := []struct {
		name  string
		rtype spec.RecordType
		host  string
		want  []string
	}{
		{name: "cname is the first hop", rtype: spec.RecordCNAME, host: "feed.example.test", want: []string{"edge-3.lb.example.net"}},
		{name: "a record", rtype: spec.RecordA, host: "pds.example.test", want: []string{"198.51.100.4"}},
		{name: "aaaa record", rtype: spec.RecordAAAA, host: "pds.example.test", want: []string{"2001:db8::4"}},
		{name: "a through a chain", rtype: spec.RecordA, host: "feed.example.test", want: []string{"203.0.113.9"}},
		{name: "nxdomain is empty", rtype: spec.RecordA, host: "missing.example.test"},
		{name: "no cname on an a-only host", rtype: spec.RecordCNAME, host: "pds.example.test"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Lookup(ctx, tt.rtype, tt.host)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSystemResolver_CNAMEBehindChainSatisfiesSuffix(t *testing.T) {
	v := NewValidator(zerolog.Nop(), NewSystemResolver(startNameserver(t)))
	result := v.Check(context.Background(), spec.DomainSpec{
		Hostname: "feed.example.test",
		Records:  []spec.RecordRequirement{{Type: spec.RecordCNAME, Target: "lb.example.net"}},
	})
	assert.True(t, result.Satisfied, "%v", result.Err())
}

func TestSystemResolver_UnsupportedType(t *testing.T) {
	_, err := NewSystemResolver("127.0.0.1:1").Lookup(context.Background(), spec.RecordType("MX"), "example.test")
	assert.Error(t, err)
}

func TestWithPort(t *testing.T) {
	assert.Equal(t, "10.0.0.1:53", withPort("10.0.0.1", "53"))
	assert.Equal(t, "10.0.0.1:5353", withPort("10.0.0.1:5353", "53"))
	assert.Equal(t, "[2001:db8::1]:53", withPort("2001:db8::1", "53"))
}
