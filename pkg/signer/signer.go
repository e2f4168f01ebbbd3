// Package signer plans and runs a resigning pass over an app bundle: it
// orders nested code innermost first, resolves each target's entitlements
// and profile, and signs the targets one by one.
package signer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apex/log"

	"github.com/aluedeke/go-resign/pkg/certificate"
	"github.com/aluedeke/go-resign/pkg/codesign"
)

var (
	// ErrUnsafeOrder is returned when a target comes before code it
	// contains.
	ErrUnsafeOrder = errors.New("targets are not ordered innermost first")
	// ErrMissingEntitlements is returned for a provisioned target without
	// entitlements.
	ErrMissingEntitlements = errors.New("target requires entitlements")
)

// TargetSignError reports the target a signing pass stopped at.
type TargetSignError struct {
	Target string
	Cause  error
}

func (e *TargetSignError) Error() string {
	return fmt.Sprintf("failed to sign %s: %v", e.Target, e.Cause)
}

func (e *TargetSignError) Unwrap() error { return e.Cause }

// Result lists the signed targets in order and the warnings raised on the
// way.
type Result struct {
	Signed   []string
	Warnings []string
}

// Backend writes the signature of a single target.
type Backend interface {
	SignTarget(t *SigningTarget, ctx *codesign.SigningSettings) error
}

// NativeBackend signs with the pure Go code signature writer.
type NativeBackend struct{}

// SignTarget implements Backend.
func (NativeBackend) SignTarget(t *SigningTarget, ctx *codesign.SigningSettings) error {
	var ents []byte
	if t.Entitlements != nil {
		var err error
		if ents, err = codesign.EntitlementsToXML(t.Entitlements); err != nil {
			return err
		}
	}

	if t.Kind == Dylib {
		return codesign.SignBinary(t.Path, ctx, t.BundleID, ents)
	}
	opts := codesign.BundleSignOptions{
		Identifier:   t.BundleID,
		Entitlements: ents,
	}
	if t.Profile != nil {
		opts.Profile = t.Profile.Raw()
	}
	return codesign.SignBundle(t.Path, ctx, opts)
}

// Signer runs one signing pass. A Signer may be reused; every Sign call
// builds its own signing context.
type Signer struct {
	Certificate *certificate.Certificate
	Settings    *SignerSettings
	// Backend defaults to NativeBackend.
	Backend Backend
	// Now defaults to time.Now.
	Now func() time.Time
}

// Sign signs targets in order and stops at the first failure. Ordering and
// identity problems are reported before any file is touched.
func (s *Signer) Sign(targets []*SigningTarget) (*Result, error) {
	if err := CheckOrder(targets); err != nil {
		return nil, err
	}
	settings := s.Settings
	if settings == nil {
		settings = &SignerSettings{}
	}
	backend := s.Backend
	if backend == nil {
		backend = NativeBackend{}
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	ctx := codesign.NewSigningSettings()
	ctx.Shallow = settings.Shallow
	ctx.ForNotarization = false

	result := &Result{}
	switch {
	case s.Certificate.Complete():
		warnings, err := s.Certificate.AttachTo(ctx, now())
		if err != nil {
			return nil, err
		}
		result.Warnings = append(result.Warnings, warnings...)
	case settings.RequireSignedIdentity:
		return nil, certificate.ErrMissingCertificate
	default:
		msg := "no complete signing identity loaded, signing ad-hoc"
		log.Warn(msg)
		result.Warnings = append(result.Warnings, msg)
	}

	if ctx.Shallow {
		targets = outermost(targets)
	}
	for i, t := range targets {
		if t.needsEntitlements() && t.Entitlements == nil {
			return nil, &TargetSignError{Target: t.Path, Cause: ErrMissingEntitlements}
		}
		log.WithFields(log.Fields{
			"target": filepath.Base(t.Path),
			"kind":   t.Kind,
			"step":   fmt.Sprintf("%d/%d", i+1, len(targets)),
		}).Info("signing")
		if err := backend.SignTarget(t, ctx); err != nil {
			return nil, &TargetSignError{Target: t.Path, Cause: err}
		}
		result.Signed = append(result.Signed, t.Path)
	}
	return result, nil
}

// CheckOrder fails when a target precedes a target nested inside it.
func CheckOrder(targets []*SigningTarget) error {
	for i, outer := range targets {
		for _, inner := range targets[i+1:] {
			if contains(outer.Path, inner.Path) {
				return fmt.Errorf("%w: %s is signed before %s", ErrUnsafeOrder, outer.Path, inner.Path)
			}
		}
	}
	return nil
}

// outermost drops targets nested inside another target of the list.
func outermost(targets []*SigningTarget) []*SigningTarget {
	var out []*SigningTarget
	for _, t := range targets {
		nested := false
		for _, other := range targets {
			if contains(other.Path, t.Path) {
				nested = true
				break
			}
		}
		if nested {
			log.WithField("target", filepath.Base(t.Path)).Debug("shallow signing, skipping nested target")
			continue
		}
		out = append(out, t)
	}
	return out
}

func contains(outer, inner string) bool {
	outer = filepath.Clean(outer)
	inner = filepath.Clean(inner)
	return outer != inner && strings.HasPrefix(inner, outer+string(os.PathSeparator))
}
