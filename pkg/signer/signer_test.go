package signer

import (
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluedeke/go-resign/internal/certtest"
	"github.com/aluedeke/go-resign/pkg/certificate"
	"github.com/aluedeke/go-resign/pkg/codesign"
)

type recordingBackend struct {
	signed  []string
	adhoc   []bool
	failOn  string
	failErr error
}

func (b *recordingBackend) SignTarget(t *SigningTarget, ctx *codesign.SigningSettings) error {
	if filepath.Base(t.Path) == b.failOn {
		return b.failErr
	}
	b.signed = append(b.signed, filepath.Base(t.Path))
	b.adhoc = append(b.adhoc, ctx.IsAdHoc())
	return nil
}

func testCertificate(t *testing.T, opts certtest.Options) *certificate.Certificate {
	t.Helper()
	id := certtest.New(t, opts)
	s := certificate.NewStore()
	require.NoError(t, s.LoadPEM(append(append([]byte{}, id.CertPEM...), id.PKCS8PEM...)))
	return s.Certificate()
}

func testTargets() []*SigningTarget {
	root := filepath.Join("work", "MainApp.app")
	return []*SigningTarget{
		{Path: filepath.Join(root, "PlugIns", "Extension.appex"), Kind: AppExtension, Depth: 2},
		{Path: root, Kind: App},
	}
}

func TestSignOrdersExtensionBeforeApp(t *testing.T) {
	backend := &recordingBackend{}
	s := &Signer{Certificate: testCertificate(t, certtest.Options{}), Backend: backend}

	result, err := s.Sign(testTargets())
	require.NoError(t, err)
	assert.Equal(t, []string{"Extension.appex", "MainApp.app"}, backend.signed)
	assert.Equal(t, []bool{false, false}, backend.adhoc)
	assert.Len(t, result.Signed, 2)
	assert.Empty(t, result.Warnings)
}

func TestSignRejectsOuterFirst(t *testing.T) {
	targets := testTargets()
	targets[0], targets[1] = targets[1], targets[0]
	backend := &recordingBackend{}

	_, err := (&Signer{Backend: backend}).Sign(targets)
	assert.ErrorIs(t, err, ErrUnsafeOrder)
	assert.Empty(t, backend.signed)
}

func TestSignRequiredIdentityMissing(t *testing.T) {
	backend := &recordingBackend{}
	incomplete := &certificate.Certificate{Cert: certtest.New(t, certtest.Options{}).Cert}

	for _, cert := range []*certificate.Certificate{nil, incomplete} {
		s := &Signer{
			Certificate: cert,
			Settings:    &SignerSettings{RequireSignedIdentity: true},
			Backend:     backend,
		}
		_, err := s.Sign(testTargets())
		assert.ErrorIs(t, err, certificate.ErrMissingCertificate)
	}
	assert.Empty(t, backend.signed)
}

func TestSignAdhocWithoutIdentity(t *testing.T) {
	backend := &recordingBackend{}
	result, err := (&Signer{Backend: backend}).Sign(testTargets())
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, backend.adhoc)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "ad-hoc")
}

func TestSignExpiredCertificateWarns(t *testing.T) {
	now := time.Now()
	cert := testCertificate(t, certtest.Options{NotBefore: now.Add(-72 * time.Hour), NotAfter: now.Add(-24 * time.Hour)})
	backend := &recordingBackend{}
	s := &Signer{
		Certificate: cert,
		Settings:    &SignerSettings{RequireSignedIdentity: true},
		Backend:     backend,
		Now:         func() time.Time { return now },
	}

	result, err := s.Sign(testTargets())
	require.NoError(t, err)
	assert.Len(t, result.Signed, 2)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "expired")
}

func TestSignStopsAtFirstFailure(t *testing.T) {
	cause := errors.New("boom")
	backend := &recordingBackend{failOn: "Extension.appex", failErr: cause}
	targets := testTargets()

	_, err := (&Signer{Backend: backend}).Sign(targets)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)

	var tse *TargetSignError
	require.True(t, errors.As(err, &tse))
	assert.Equal(t, targets[0].Path, tse.Target)
	assert.Contains(t, tse.Error(), "Extension.appex")
	assert.Empty(t, backend.signed)
}

func TestSignMissingEntitlements(t *testing.T) {
	targets := testTargets()
	targets[1].Profile = testProfile(t, "Main", "com.example.main", nil)
	backend := &recordingBackend{}

	_, err := (&Signer{Backend: backend}).Sign(targets)
	assert.ErrorIs(t, err, ErrMissingEntitlements)
	var tse *TargetSignError
	require.True(t, errors.As(err, &tse))
	assert.Equal(t, targets[1].Path, tse.Target)
	assert.Equal(t, []string{"Extension.appex"}, backend.signed)
}

func TestNativeBackendSignsPlan(t *testing.T) {
	requireLayoutParser(t)
	app := writeTestApp(t, t.TempDir(), thinBinary())
	profile := testProfile(t, "Wildcard", "com.example.*", nil)
	cert := testCertificate(t, certtest.Options{TeamID: testTeam})

	targets, err := (&PlanBuilder{Profiles: profileList(profile)}).Build(app)
	require.NoError(t, err)
	result, err := (&Signer{Certificate: cert}).Sign(targets)
	require.NoError(t, err)
	assert.Len(t, result.Signed, len(targets))

	info, err := codesign.InspectBinary(filepath.Join(app, "Main"))
	require.NoError(t, err)
	require.NotEmpty(t, info.CodeDirs)
	assert.Equal(t, "com.example.main", info.CodeDirs[0].Identifier)
	assert.Equal(t, testTeam, info.CodeDirs[0].TeamID)
	assert.Equal(t, testTeam+".com.example.*", info.Entitlements["application-identifier"])
	assert.Equal(t, cert.CommonName(), info.CMS.SignerCN)

	embedded, err := os.ReadFile(filepath.Join(app, "embedded.mobileprovision"))
	require.NoError(t, err)
	assert.Equal(t, profile.Raw(), embedded)
	assert.FileExists(t, filepath.Join(app, "PlugIns", "Share.appex", "embedded.mobileprovision"))
	assert.NoFileExists(t, filepath.Join(app, "Frameworks", "Kit.framework", "embedded.mobileprovision"))

	dylib, err := codesign.InspectBinary(filepath.Join(app, "Frameworks", "libswiftCore.dylib"))
	require.NoError(t, err)
	assert.Equal(t, "libswiftCore", dylib.CodeDirs[0].Identifier)
	assert.Empty(t, dylib.Entitlements)
}

func TestSignShallowSkipsNestedTargets(t *testing.T) {
	backend := &recordingBackend{}
	s := &Signer{Settings: &SignerSettings{Shallow: true}, Backend: backend}

	result, err := s.Sign(testTargets())
	require.NoError(t, err)
	assert.Equal(t, []string{"MainApp.app"}, backend.signed)
	assert.Equal(t, []string{filepath.Join("work", "MainApp.app")}, result.Signed)
}

func TestNativeBackendSignsWithNonAppleIdentities(t *testing.T) {
	requireLayoutParser(t)
	now := time.Now()
	ca := certtest.New(t, certtest.Options{CommonName: "Test CA", IsCA: true})

	issued := testCertificate(t, certtest.Options{TeamID: testTeam, Parent: ca})
	issued.Chain = []*x509.Certificate{ca.Cert}

	tests := []struct {
		name     string
		cert     *certificate.Certificate
		warnings int
	}{
		{"self-signed", testCertificate(t, certtest.Options{TeamID: testTeam}), 0},
		{"expired", testCertificate(t, certtest.Options{TeamID: testTeam, NotBefore: now.Add(-72 * time.Hour), NotAfter: now.Add(-24 * time.Hour)}), 1},
		{"custom CA", issued, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := writeTestApp(t, t.TempDir(), thinBinary())
			targets, err := (&PlanBuilder{Profiles: profileList(testProfile(t, "Wildcard", "com.example.*", nil))}).Build(app)
			require.NoError(t, err)

			s := &Signer{Certificate: tt.cert, Now: func() time.Time { return now }}
			result, err := s.Sign(targets)
			require.NoError(t, err)
			assert.Len(t, result.Signed, len(targets))
			require.Len(t, result.Warnings, tt.warnings)
			if tt.warnings > 0 {
				assert.Contains(t, result.Warnings[0], "expired")
			}

			info, err := codesign.InspectBinary(filepath.Join(app, "Main"))
			require.NoError(t, err)
			assert.Equal(t, tt.cert.CommonName(), info.CMS.SignerCN)
			assert.Len(t, info.CMS.Certificates, 1+len(tt.cert.Chain))
		})
	}
}
