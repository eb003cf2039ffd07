package dns

import (
	"context"
	"errors"
	"fmt"

	cf "github.com/cloudflare/cloudflare-go"
	"github.com/nholik/skyward/internal/spec"
)

// CloudflareResolver reads records straight from the authoritative zone,
// which avoids waiting on resolver caches after an operator edits a record.
type CloudflareResolver struct {
	api    *cf.API
	zoneID string
}

// NewCloudflareResolver builds a resolver for zoneID using an API token.
func NewCloudflareResolver(token, zoneID string, opts ...cf.Option) (*CloudflareResolver, error) {
	if zoneID == "" {
		return nil, errors.New("cloudflare zone id is required")
	}
	api, err := cf.NewWithAPIToken(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Cloudflare API client: %w", err)
	}
	return &CloudflareResolver{api: api, zoneID: zoneID}, nil
}

// Lookup implements Resolver.
func (r *CloudflareResolver) Lookup(ctx context.Context, rtype spec.RecordType, host string) ([]string, error) {
	records, _, err := r.api.ListDNSRecords(ctx, cf.ZoneIdentifier(r.zoneID), cf.ListDNSRecordsParams{
		Type: string(rtype),
		Name: host,
	})
	if err != nil {
		return nil, fmt.Errorf("list %s records: %w", rtype, err)
	}
	out := make([]string, 0, len(records))
	for _, record := range records {
		if record.Type != string(rtype) || canonical(record.Name) != canonical(host) {
			continue
		}
		out = append(out, record.Content)
	}
	return out, nil
}
