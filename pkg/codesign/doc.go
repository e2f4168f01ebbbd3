// Package codesign writes Apple code signatures natively in Go.
//
// A signature is built from a SigningSettings value, which carries either a
// certificate and key or nothing at all for ad-hoc signing:
//
//	settings := codesign.NewSigningSettings()
//	settings.SetSigningKey(cert, key, nil)
//	if _, err := settings.ChainAppleCertificates(); err != nil {
//	    return err
//	}
//	err := codesign.SignBundle(appPath, settings, codesign.BundleSignOptions{
//	    Entitlements: entitlementsXML,
//	    Profile:      profileBytes,
//	})
//
// SignBundle signs only the bundle's main executable; nested frameworks and
// extensions must be signed first. The pkg/signer package plans and orders
// that pass.
//
// Inspection helpers (InspectBinary, InspectBundle, CompareBundles) decode
// existing signatures for the info and diff commands.
package codesign
