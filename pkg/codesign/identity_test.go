package codesign

import (
	"crypto/x509"
	"strings"
	"testing"

	"github.com/aluedeke/go-resign/internal/certtest"
)

func TestAppleCertificates(t *testing.T) {
	cas, err := AppleCertificates()
	if err != nil {
		t.Fatalf("AppleCertificates failed: %v", err)
	}
	if len(cas) != 2 {
		t.Fatalf("Expected 2 certificates, got %d", len(cas))
	}
	if !strings.Contains(cas[0].Subject.CommonName, "Worldwide Developer Relations") {
		t.Errorf("first certificate is %q", cas[0].Subject.CommonName)
	}
	if cas[1].Subject.CommonName != "Apple Root CA" {
		t.Errorf("second certificate is %q", cas[1].Subject.CommonName)
	}
}

func TestChainAppleCertificates(t *testing.T) {
	id := certtest.New(t, certtest.Options{TeamID: "TEAM123456"})
	settings := NewSigningSettings()
	settings.SetSigningKey(id.Cert, id.Key, nil)

	if settings.IsAdHoc() {
		t.Fatal("settings with an identity reported ad-hoc")
	}
	if settings.TeamID != "TEAM123456" {
		t.Errorf("TeamID = %q", settings.TeamID)
	}

	added, err := settings.ChainAppleCertificates()
	if err != nil {
		t.Fatalf("ChainAppleCertificates failed: %v", err)
	}
	if len(added) != 0 || len(settings.Chain) != 1 || settings.issuers() != nil {
		t.Errorf("self-signed identity got %d CA certificates, chain %d", len(added), len(settings.Chain))
	}
}

func TestChainAppleCertificatesFromIntermediate(t *testing.T) {
	cas, err := AppleCertificates()
	if err != nil {
		t.Fatalf("AppleCertificates failed: %v", err)
	}
	settings := NewSigningSettings()
	settings.SetSigningKey(cas[0], certtest.New(t, certtest.Options{}).Key, nil)

	added, err := settings.ChainAppleCertificates()
	if err != nil {
		t.Fatalf("ChainAppleCertificates failed: %v", err)
	}
	if len(added) != 1 || added[0] != cas[1] {
		t.Fatalf("expected the root to be chained, got %d", len(added))
	}
	added, err = settings.ChainAppleCertificates()
	if err != nil || len(added) != 0 {
		t.Errorf("second call added %d (%v)", len(added), err)
	}
}

func TestCompleteChain(t *testing.T) {
	root := certtest.New(t, certtest.Options{CommonName: "Test Root", IsCA: true})
	inter := certtest.New(t, certtest.Options{CommonName: "Test Intermediate", IsCA: true, Parent: root})
	other := certtest.New(t, certtest.Options{CommonName: "Test Intermediate", IsCA: true, Parent: root})
	leaf := certtest.New(t, certtest.Options{Parent: inter})
	apple, err := AppleCertificates()
	if err != nil {
		t.Fatalf("AppleCertificates failed: %v", err)
	}

	// other has the intermediate's subject but a different key.
	cas := append([]*x509.Certificate{other.Cert, root.Cert, inter.Cert}, apple...)
	chain, added := completeChain([]*x509.Certificate{leaf.Cert}, cas)
	if len(added) != 2 || added[0] != inter.Cert || added[1] != root.Cert {
		t.Fatalf("unexpected chain completion: added %d", len(added))
	}
	if len(chain) != 3 {
		t.Errorf("chain length = %d", len(chain))
	}

	chain, added = completeChain([]*x509.Certificate{leaf.Cert}, apple)
	if len(added) != 0 || len(chain) != 1 {
		t.Errorf("unrelated CAs were chained: %d", len(added))
	}

	chain, added = completeChain([]*x509.Certificate{leaf.Cert, inter.Cert}, cas)
	if len(added) != 1 || len(chain) != 3 {
		t.Errorf("partial chain completion added %d", len(added))
	}
}

func TestChainAppleCertificatesAdhoc(t *testing.T) {
	settings := NewSigningSettings()
	if !settings.IsAdHoc() {
		t.Fatal("fresh settings should be ad-hoc")
	}
	added, err := settings.ChainAppleCertificates()
	if err != nil || added != nil || settings.Chain != nil {
		t.Errorf("ad-hoc chain completion changed state: %v %v", added, err)
	}
}

func TestTeamIDFromCertificate(t *testing.T) {
	if got := TeamIDFromCertificate(nil); got != "" {
		t.Errorf("nil certificate team = %q", got)
	}
	id := certtest.New(t, certtest.Options{TeamID: "SHORT"})
	if got := TeamIDFromCertificate(id.Cert); got != "" {
		t.Errorf("non team OU reported as %q", got)
	}
}
