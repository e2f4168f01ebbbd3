package signer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"

	"github.com/aluedeke/go-resign/internal/fsutil"
	"github.com/aluedeke/go-resign/pkg/certificate"
	"github.com/aluedeke/go-resign/pkg/codesign"
	"github.com/aluedeke/go-resign/pkg/provision"
)

// ResignOptions contains all options for resigning a .app bundle or an IPA.
type ResignOptions struct {
	// Input is a .app directory or an .ipa file.
	Input string
	// Output receives the signed copy. Empty with InPlace set means Input.
	Output  string
	InPlace bool

	Certificate *certificate.Certificate
	Profiles    []*provision.Profile
	Settings    *SignerSettings
	Backend     Backend
}

// Resign signs a private copy of the input and only moves it to the output
// once every target has been signed. A failed pass leaves the output path
// untouched.
func Resign(opts ResignOptions) (*Result, error) {
	if opts.Input == "" {
		return nil, errors.New("input path is required")
	}
	output := opts.Output
	if output == "" {
		if !opts.InPlace {
			return nil, errors.New("output path is required unless resigning in place")
		}
		output = opts.Input
	}
	if !fsutil.Exists(opts.Input) {
		return nil, fmt.Errorf("%w: %s does not exist", fsutil.ErrIO, opts.Input)
	}
	isIPA := strings.EqualFold(filepath.Ext(opts.Input), ".ipa")

	// Identity problems surface before anything is copied.
	if opts.Settings != nil && opts.Settings.RequireSignedIdentity && !opts.Certificate.Complete() {
		return nil, certificate.ErrMissingCertificate
	}

	var workDir, appPath string
	if isIPA {
		dir, err := codesign.ExtractIPA(opts.Input)
		if err != nil {
			return nil, err
		}
		workDir = dir
		if appPath, err = codesign.FindAppBundle(dir); err != nil {
			_ = os.RemoveAll(workDir)
			return nil, err
		}
	} else {
		dir, err := os.MkdirTemp("", "go-resign-*")
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create temp directory: %v", fsutil.ErrIO, err)
		}
		workDir = dir
		appPath = filepath.Join(dir, filepath.Base(filepath.Clean(opts.Input)))
		if err := fsutil.CopyDir(opts.Input, appPath); err != nil {
			_ = os.RemoveAll(workDir)
			return nil, err
		}
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	if err := ApplyOverrides(appPath, opts.Settings); err != nil {
		return nil, fmt.Errorf("failed to apply overrides: %w", err)
	}

	builder := &PlanBuilder{Profiles: opts.Profiles, Settings: opts.Settings}
	targets, err := builder.Build(appPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build signing plan: %w", err)
	}
	s := &Signer{Certificate: opts.Certificate, Settings: opts.Settings, Backend: opts.Backend}
	result, err := s.Sign(targets)
	if err != nil {
		return nil, err
	}
	result.Signed = relativeTo(workDir, result.Signed)

	if isIPA {
		tmp := output + ".partial"
		if err := codesign.RepackageIPA(workDir, tmp); err != nil {
			_ = os.Remove(tmp)
			return nil, err
		}
		if err := os.Rename(tmp, output); err != nil {
			_ = os.Remove(tmp)
			return nil, fmt.Errorf("%w: failed to move %s into place: %v", fsutil.ErrIO, output, err)
		}
	} else if err := fsutil.ReplaceDir(appPath, output); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"output":  output,
		"targets": len(result.Signed),
	}).Info("resigned")
	return result, nil
}

func relativeTo(dir string, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		if rel, err := filepath.Rel(dir, p); err == nil {
			out[i] = rel
		} else {
			out[i] = p
		}
	}
	return out
}
