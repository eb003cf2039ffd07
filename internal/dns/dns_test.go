package dns

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	cf "github.com/cloudflare/cloudflare-go"
	"github.com/nholik/skyward/internal/spec"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	records map[spec.RecordType][]string
	err     error
	block   bool
	calls   int
}

func (f *fakeResolver) Lookup(ctx context.Context, rtype spec.RecordType, host string) ([]string, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.records[rtype], nil
}

func domain(records ...spec.RecordRequirement) spec.DomainSpec {
	return spec.DomainSpec{Hostname: "feed.example.test", Records: records, CertMode: spec.CertSelfSigned}
}

func TestCheck_Satisfied(t *testing.T) {
	resolver := &fakeResolver{records: map[spec.RecordType][]string{
		spec.RecordA:     {"198.51.100.4", "203.0.113.7"},
		spec.RecordAAAA:  {"2001:db8::1"},
		spec.RecordCNAME: {"Edge.Example.NET."},
	}}
	v := NewValidator(zerolog.Nop(), resolver)

	result := v.Check(context.Background(), domain(
		spec.RecordRequirement{Type: spec.RecordA, Target: "203.0.113.7"},
		spec.RecordRequirement{Type: spec.RecordAAAA, Target: "2001:0db8:0:0::1"},
		spec.RecordRequirement{Type: spec.RecordCNAME, Target: "edge.example.net"},
	))

	assert.True(t, result.Satisfied)
	assert.Empty(t, result.Missing)
	assert.NoError(t, result.Err())
}

func TestCheck_MissingARecordIsActionable(t *testing.T) {
	v := NewValidator(zerolog.Nop(), &fakeResolver{})

	result := v.Check(context.Background(), domain(spec.RecordRequirement{Type: spec.RecordA, Target: "203.0.113.7"}))

	require.False(t, result.Satisfied)
	require.Len(t, result.Missing, 1)
	assert.Equal(t, spec.RecordA, result.Missing[0].Type)
	assert.Equal(t, "203.0.113.7", result.Missing[0].Expected)
	assert.EqualError(t, result.Err(), "missing A record for feed.example.test: want 203.0.113.7, found none")

	var unsatisfied *UnsatisfiedError
	require.True(t, errors.As(result.Err(), &unsatisfied))
	assert.Equal(t, "feed.example.test", unsatisfied.Domain)
}

func TestCheck_MismatchListsFoundValues(t *testing.T) {
	resolver := &fakeResolver{records: map[spec.RecordType][]string{spec.RecordA: {"198.51.100.4"}}}
	v := NewValidator(zerolog.Nop(), resolver)

	result := v.Check(context.Background(), domain(
		spec.RecordRequirement{Type: spec.RecordA, Target: "203.0.113.7"},
		spec.RecordRequirement{Type: spec.RecordA, Target: "198.51.100.4"},
	))

	require.Len(t, result.Missing, 1)
	assert.Equal(t, []string{"198.51.100.4"}, result.Missing[0].Found)
	assert.Contains(t, result.Err().Error(), "found 198.51.100.4")
	assert.Equal(t, 1, resolver.calls, "lookups are shared per record type")
}

func TestCheck_CNAMEMatching(t *testing.T) {
	tests := []struct {
		name   string
		target string
		found  []string
		want   bool
	}{
		{name: "exact", target: "edge.example.net", found: []string{"edge.example.net"}, want: true},
		{name: "trailing dots", target: "edge.example.net.", found: []string{"EDGE.example.net."}, want: true},
		{name: "anchor", target: "*.cdn.example.net", found: []string{"pop-12.cdn.example.net"}, want: true},
		{name: "anchor needs label", target: "*.cdn.example.net", found: []string{"cdn.example.net"}, want: false},
		{name: "anchor not substring", target: "*.cdn.example.net", found: []string{"evilcdn.example.net"}, want: false},
		{name: "suffix on label boundary", target: "lb.example.net", found: []string{"edge-3.lb.example.net."}, want: true},
		{name: "suffix not substring", target: "lb.example.net", found: []string{"edge-3lb.example.net"}, want: false},
		{name: "parent is not a match", target: "lb.example.net", found: []string{"example.net"}, want: false},
		{name: "different", target: "edge.example.net", found: []string{"other.example.net"}, want: false},
		{name: "none", target: "edge.example.net", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &fakeResolver{records: map[spec.RecordType][]string{spec.RecordCNAME: tt.found}}
			result := NewValidator(zerolog.Nop(), resolver).Check(context.Background(),
				domain(spec.RecordRequirement{Type: spec.RecordCNAME, Target: tt.target}))
			assert.Equal(t, tt.want, result.Satisfied)
		})
	}
}

func TestCheck_TimeoutIsMismatch(t *testing.T) {
	v := NewValidator(zerolog.Nop(), &fakeResolver{block: true}, WithTimeout(20*time.Millisecond))

	start := time.Now()
	result := v.Check(context.Background(), domain(spec.RecordRequirement{Type: spec.RecordA, Target: "203.0.113.7"}))

	assert.Less(t, time.Since(start), 2*time.Second)
	require.False(t, result.Satisfied)
	var timeout *TimeoutError
	require.True(t, errors.As(result.Missing[0].Err, &timeout))
	assert.Equal(t, 20*time.Millisecond, timeout.After)
	assert.Contains(t, result.Err().Error(), "A record for feed.example.test: lookup timed out")
}

func TestCheck_LookupErrorIsMismatch(t *testing.T) {
	v := NewValidator(zerolog.Nop(), &fakeResolver{err: errors.New("servfail")})

	result := v.Check(context.Background(), domain(spec.RecordRequirement{Type: spec.RecordAAAA, Target: "2001:db8::1"}))

	require.False(t, result.Satisfied)
	assert.EqualError(t, result.Err(), "AAAA record for feed.example.test: servfail")
}

func TestCheck_NoRequirementsIsSatisfied(t *testing.T) {
	resolver := &fakeResolver{}
	result := NewValidator(zerolog.Nop(), resolver).Check(context.Background(), domain())
	assert.True(t, result.Satisfied)
	assert.Zero(t, resolver.calls)
}

func TestCloudflareResolver_ListsZoneRecords(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/zones/zone-1/dns_records" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.RawQuery
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"success": true, "errors": [], "messages": [],
			"result": [
				{"id": "r1", "type": "A", "name": "feed.example.test", "content": "203.0.113.7"},
				{"id": "r2", "type": "A", "name": "other.example.test", "content": "198.51.100.9"}
			],
			"result_info": {"page": 1, "per_page": 100, "count": 2, "total_count": 2, "total_pages": 1}
		}`))
	}))
	defer srv.Close()

	resolver, err := NewCloudflareResolver("token-1", "zone-1", cf.BaseURL(srv.URL))
	require.NoError(t, err)

	values, err := resolver.Lookup(context.Background(), spec.RecordA, "feed.example.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.7"}, values)
	assert.Contains(t, gotQuery, "type=A")
	assert.Contains(t, gotQuery, "name=feed.example.test")
}

func TestNewCloudflareResolver_RequiresZone(t *testing.T) {
	_, err := NewCloudflareResolver("token-1", "")
	require.Error(t, err)
}
