package monitor

import (
	"context"
	"errors"

	"github.com/nholik/skyward/internal/certs"
	"github.com/nholik/skyward/internal/orchestrator"
	"github.com/nholik/skyward/internal/state"
)

// RevalidateCertificates checks every managed certificate and renews the ones
// that are due. A failure degrades the Healthy services bound to the domain;
// the manager's backoff decides when the next attempt reaches the issuer.
func (m *Monitor) RevalidateCertificates(ctx context.Context) error {
	if m.certs == nil {
		return nil
	}
	var errs []error
	for _, domain := range m.certs.Domains() {
		if _, err := m.RevalidateDomain(ctx, domain); err != nil {
			errs = append(errs, wrapRuntime("revalidate "+domain, err))
		}
	}
	return errors.Join(errs...)
}

// RevalidateDomain revalidates a single domain and binds the resulting
// certificate to the services that serve it.
func (m *Monitor) RevalidateDomain(ctx context.Context, domain string) (*certs.Certificate, error) {
	if m.certs == nil {
		return nil, certs.ErrUnmanaged
	}
	d := m.deployment()

	rctx, cancel := context.WithTimeout(ctx, m.revalidateWait)
	cert, err := m.certs.Revalidate(rctx, domain)
	cancel()

	if errors.Is(err, certs.ErrUnmanaged) {
		return nil, err
	}
	if err != nil {
		m.degradeDomain(d, domain, err)
		var renewal *certs.RenewalError
		if errors.As(err, &renewal) && renewal.Current != nil {
			m.bindCertificate(d, domain, renewal.Current.ID)
		}
		return cert, err
	}
	if cert != nil {
		m.bindCertificate(d, domain, cert.ID)
	}
	return cert, nil
}

func (m *Monitor) degradeDomain(d *orchestrator.Deployment, domain string, err error) {
	if d == nil {
		return
	}
	for _, id := range d.Spec.ServicesForDomain(domain) {
		lease, ok := d.Registry.TryAcquire(id)
		if !ok {
			continue
		}
		if lease.State().Phase == state.PhaseHealthy {
			lease.Transition(state.PhaseDegraded, err, CauseRenewalFailed, err.Error())
		}
		lease.Release()
	}
}

func (m *Monitor) bindCertificate(d *orchestrator.Deployment, domain, certID string) {
	if d == nil {
		return
	}
	for _, id := range d.Spec.ServicesForDomain(domain) {
		lease, ok := d.Registry.TryAcquire(id)
		if !ok {
			continue
		}
		if lease.State().CertificateID != certID {
			lease.SetCertificate(certID)
			m.logger.Info().Str("service", id).Str("domain", domain).Str("certificate_id", certID).Msg("certificate bound")
		}
		lease.Release()
	}
}
