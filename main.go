package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"
	"github.com/docopt/docopt-go"

	"github.com/aluedeke/go-resign/internal/fsutil"
	"github.com/aluedeke/go-resign/pkg/certificate"
	"github.com/aluedeke/go-resign/pkg/codesign"
	"github.com/aluedeke/go-resign/pkg/macho"
	"github.com/aluedeke/go-resign/pkg/provision"
	"github.com/aluedeke/go-resign/pkg/signer"
)

const version = "1.0.0"

const usage = `go-resign - iOS App Resigning Tool

Resigns .app bundles and IPA files for ad-hoc distribution using PEM or P12 identities and provisioning profiles.

Usage:
  go-resign sign --app=<path> [--pem=<path>...] [--p12=<path>] [--password=<pw>] [--profile=<path>...] [--settings=<path>] [--mode=<mode>] [--shallow] [--require-identity] [--name=<n>] [--bundleid=<id>] [--app-version=<v>] [--build=<b>] [--file-sharing] [--older-versions] [--more-devices] [--output=<path>] [--inplace] [--verbose]
  go-resign entitlements --binary=<path> [--verbose]
  go-resign info --app=<path> [--signature] [--recursive] [--verbose]
  go-resign info --profile=<path> [--verbose]
  go-resign diff --app1=<path> --app2=<path> [--recursive] [--verbose]
  go-resign -h | --help
  go-resign --version

Commands:
  sign          Resign an IPA file or .app bundle
  entitlements  Print the entitlements embedded in a Mach-O binary
  info          Display information about an IPA file, .app bundle or provisioning profile
  diff          Compare code signatures between two apps

Options:
  --app=<path>          Path to the input .ipa file or .app bundle directory
  --app1=<path>         Path to first app for comparison (diff command)
  --app2=<path>         Path to second app for comparison (diff command)
  --binary=<path>       Path to a Mach-O executable or library
  --pem=<path>          PEM file with a certificate and/or private key, repeatable (or RESIGN_PEM)
  --p12=<path>          Path to a P12 identity (or RESIGN_P12 env var)
  --password=<pw>       Password for the P12 identity (or RESIGN_PASSWORD env var)
  --profile=<path>      Provisioning profile, repeatable (or RESIGN_PROFILE env var)
  --settings=<path>     YAML file with signing settings; flags override it
  --mode=<mode>         Sign mode: default or zsign
  --shallow             Only sign the main bundle
  --require-identity    Fail instead of signing ad-hoc when no complete identity is loaded
  --name=<n>            New display name
  --bundleid=<id>       New bundle ID
  --app-version=<v>     New CFBundleShortVersionString
  --build=<b>           New CFBundleVersion
  --file-sharing        Enable iTunes file sharing and the document browser
  --older-versions      Lower MinimumOSVersion
  --more-devices        Allow iPhone and iPad, drop UISupportedDevices
  --output=<path>       Path for the output (defaults to input-resigned.ext)
  --inplace             Replace the input once signing succeeded
  --signature           Show detailed code signature information (info command)
  --recursive           Include nested bundles like Frameworks/ and PlugIns/
  --verbose             Enable debug logging
  -h --help             Show this help message
  --version             Show version

Environment Variables:
  RESIGN_PEM            Comma separated PEM files (overridden by --pem)
  RESIGN_PROFILE        Comma separated provisioning profiles (overridden by --profile)
  RESIGN_P12            Path to P12 identity (overridden by --p12)
  RESIGN_PASSWORD       P12 password (overridden by --password)

Examples:
  # Resign an IPA with a PEM identity
  go-resign sign --app=MyApp.ipa --pem=identity.pem --profile=dev.mobileprovision

  # Certificate and key in separate files, P12 instead of PEM
  go-resign sign --app=MyApp.app --pem=cert.pem --pem=key.pem --profile=dev.mobileprovision
  go-resign sign --app=MyApp.app --p12=cert.p12 --password=secret --profile=dev.mobileprovision

  # Extensions without their own profile reuse the main one
  go-resign sign --app=MyApp.ipa --pem=identity.pem --profile=dev.mobileprovision --mode=zsign

  # Ad-hoc signing in place
  go-resign sign --app=MyApp.app --inplace

  # Inspect entitlements, signatures and profiles
  go-resign entitlements --binary=MyApp.app/MyApp
  go-resign info --app=MyApp.app --signature --recursive
  go-resign info --profile=dev.mobileprovision

  # Compare signatures between two apps
  go-resign diff --app1=App1.app --app2=App2.app --recursive
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	log.SetHandler(clihandler.Default)
	log.SetLevel(log.InfoLevel)
	if verbose, _ := opts.Bool("--verbose"); verbose {
		log.SetLevel(log.DebugLevel)
	}

	var run func(docopt.Opts) error
	if sign, _ := opts.Bool("sign"); sign {
		run = runSign
	} else if ents, _ := opts.Bool("entitlements"); ents {
		run = runEntitlements
	} else if info, _ := opts.Bool("info"); info {
		run = runInfo
	} else if diff, _ := opts.Bool("diff"); diff {
		run = runDiff
	}
	if run == nil {
		return
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// stringList returns a repeatable option, falling back to a comma
// separated environment variable.
func stringList(opts docopt.Opts, key, env string) []string {
	var values []string
	switch v := opts[key].(type) {
	case []string:
		values = v
	case string:
		values = []string{v}
	}
	if len(values) == 0 {
		for _, s := range strings.Split(os.Getenv(env), ",") {
			if s = strings.TrimSpace(s); s != "" {
				values = append(values, s)
			}
		}
	}
	return values
}

func stringOrEnv(opts docopt.Opts, key, env string) string {
	s, _ := opts.String(key)
	if s == "" {
		s = os.Getenv(env)
	}
	return s
}

func loadSettings(opts docopt.Opts) (*signer.SignerSettings, error) {
	settings := &signer.SignerSettings{}
	if path, _ := opts.String("--settings"); path != "" {
		var err error
		if settings, err = signer.LoadSettings(path); err != nil {
			return nil, err
		}
	}

	if mode, _ := opts.String("--mode"); mode != "" {
		m, err := signer.ParseSignMode(mode)
		if err != nil {
			return nil, err
		}
		settings.Mode = m
	}
	if shallow, _ := opts.Bool("--shallow"); shallow {
		settings.Shallow = true
	}
	if require, _ := opts.Bool("--require-identity"); require {
		settings.RequireSignedIdentity = true
	}
	for key, field := range map[string]*string{
		"--name":        &settings.CustomName,
		"--bundleid":    &settings.CustomIdentifier,
		"--app-version": &settings.CustomVersion,
		"--build":       &settings.CustomBuildVersion,
	} {
		if s, _ := opts.String(key); s != "" {
			*field = s
		}
	}
	yes := true
	if b, _ := opts.Bool("--file-sharing"); b {
		settings.SupportFileSharing = &yes
	}
	if b, _ := opts.Bool("--older-versions"); b {
		settings.SupportOlderVersions = &yes
	}
	if b, _ := opts.Bool("--more-devices"); b {
		settings.SupportMoreDevices = &yes
	}
	return settings, nil
}

func runSign(opts docopt.Opts) error {
	inputPath, _ := opts.String("--app")
	outputPath, _ := opts.String("--output")
	inplace, _ := opts.Bool("--inplace")
	pemPaths := stringList(opts, "--pem", "RESIGN_PEM")
	profilePaths := stringList(opts, "--profile", "RESIGN_PROFILE")
	p12Path := stringOrEnv(opts, "--p12", "RESIGN_P12")
	password := stringOrEnv(opts, "--password", "RESIGN_PASSWORD")

	if inplace && outputPath != "" {
		return fmt.Errorf("cannot specify both --inplace and --output")
	}
	if outputPath == "" && !inplace {
		ext := filepath.Ext(inputPath)
		outputPath = strings.TrimSuffix(filepath.Clean(inputPath), ext) + "-resigned" + ext
	}

	settings, err := loadSettings(opts)
	if err != nil {
		return err
	}

	// Identity and profiles are loaded before the input is touched.
	store := certificate.NewStore()
	for _, path := range pemPaths {
		if err := store.LoadPEMFile(path); err != nil {
			return fmt.Errorf("failed to load PEM: %w", err)
		}
	}
	if p12Path != "" {
		if err := store.LoadP12File(p12Path, password); err != nil {
			return fmt.Errorf("failed to load P12: %w", err)
		}
	}
	cert := store.Certificate()

	var profiles []*provision.Profile
	for _, path := range profilePaths {
		p, err := provision.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load provisioning profile: %w", err)
		}
		if p.IsExpired(time.Now()) {
			log.Warnf("provisioning profile %q expired on %s", p.Name, p.ExpirationDate.Format("2006-01-02"))
		}
		if certs, err := p.Certificates(); err == nil && len(certs) > 0 && cert.Cert != nil && !p.MatchesCertificate(cert.Cert) {
			log.Warnf("provisioning profile %q does not list certificate %q", p.Name, cert.CommonName())
		}
		profiles = append(profiles, p)
	}

	fmt.Printf("Resigning: %s\n", inputPath)
	if cert.Complete() {
		fmt.Printf("Identity:  %s\n", cert.CommonName())
	} else {
		fmt.Printf("Identity:  ad-hoc\n")
	}
	for _, p := range profiles {
		fmt.Printf("Profile:   %s (%s)\n", p.Name, p.ApplicationIdentifier())
	}
	fmt.Printf("Mode:      %s\n", settings.Mode)
	if inplace {
		fmt.Printf("Output:    in-place\n")
	} else {
		fmt.Printf("Output:    %s\n", outputPath)
	}
	fmt.Println()

	result, err := signer.Resign(signer.ResignOptions{
		Input:       inputPath,
		Output:      outputPath,
		InPlace:     inplace,
		Certificate: cert,
		Profiles:    profiles,
		Settings:    settings,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Signed %d targets:\n", len(result.Signed))
	for _, path := range result.Signed {
		fmt.Printf("  %s\n", path)
	}
	for _, w := range result.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}
	if inplace {
		fmt.Printf("Successfully resigned in-place: %s\n", inputPath)
	} else {
		fmt.Printf("Successfully resigned: %s\n", outputPath)
	}
	return nil
}

func runEntitlements(opts docopt.Opts) error {
	path, _ := opts.String("--binary")
	xml, ok, err := macho.ReadEntitlements(path)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("No entitlements")
		return nil
	}
	fmt.Print(xml)
	if !strings.HasSuffix(xml, "\n") {
		fmt.Println()
	}
	return nil
}

func runInfo(opts docopt.Opts) error {
	inputPath, _ := opts.String("--app")
	showSignature, _ := opts.Bool("--signature")
	recursive, _ := opts.Bool("--recursive")

	if inputPath != "" {
		return showAppInfo(inputPath, showSignature, recursive)
	} else if profiles := stringList(opts, "--profile", ""); len(profiles) > 0 {
		return showProfileInfo(profiles[0])
	}
	return fmt.Errorf("either --app or --profile is required")
}

func runDiff(opts docopt.Opts) error {
	app1Path, _ := opts.String("--app1")
	app2Path, _ := opts.String("--app2")
	recursive, _ := opts.Bool("--recursive")

	diff, err := codesign.CompareBundles(app1Path, app2Path, recursive)
	if err != nil {
		return err
	}
	codesign.PrintSignatureDiff(os.Stdout, diff)
	return nil
}

func showAppInfo(inputPath string, showSignature, recursive bool) error {
	appPath := inputPath
	isIPA := strings.HasSuffix(strings.ToLower(inputPath), ".ipa")
	if isIPA {
		tempDir, err := codesign.ExtractIPA(inputPath)
		if err != nil {
			return fmt.Errorf("failed to extract IPA: %w", err)
		}
		defer os.RemoveAll(tempDir)

		if appPath, err = codesign.FindAppBundle(tempDir); err != nil {
			return fmt.Errorf("failed to find app bundle: %w", err)
		}
	}

	bundleID, err := codesign.BundleIdentifier(appPath)
	if err != nil {
		return fmt.Errorf("failed to get bundle ID: %w", err)
	}
	exec, err := codesign.BundleExecutable(appPath)
	if err != nil {
		return fmt.Errorf("failed to get executable name: %w", err)
	}

	if isIPA {
		fmt.Println("IPA Information")
		fmt.Println("===============")
		fmt.Printf("File:        %s\n", inputPath)
	} else {
		fmt.Println("App Bundle Information")
		fmt.Println("======================")
		fmt.Printf("Path:        %s\n", inputPath)
	}
	fmt.Printf("App Name:    %s\n", filepath.Base(appPath))
	fmt.Printf("Bundle ID:   %s\n", bundleID)
	fmt.Printf("Executable:  %s\n", filepath.Base(exec))

	embedded := filepath.Join(appPath, "embedded.mobileprovision")
	if fsutil.Exists(embedded) {
		if profile, err := provision.Load(embedded); err == nil {
			fmt.Println()
			fmt.Println("Embedded Provisioning Profile")
			fmt.Println("-----------------------------")
			printProfileSummary(profile)
		} else {
			log.WithError(err).Warn("failed to read embedded provisioning profile")
		}
	}

	if showSignature {
		fmt.Println()
		fmt.Println("Code Signature Details")
		fmt.Println("======================")

		infos, err := codesign.InspectBundle(appPath, recursive)
		if err != nil {
			return fmt.Errorf("failed to get signature info: %w", err)
		}
		for _, info := range infos {
			codesign.PrintSignatureInfo(os.Stdout, info)
		}
	}
	return nil
}

func printProfileSummary(profile *provision.Profile) {
	fmt.Printf("Name:           %s\n", profile.Name)
	fmt.Printf("Team ID:        %s\n", profile.TeamID())
	fmt.Printf("App ID:         %s\n", profile.ApplicationIdentifier())
	fmt.Printf("UUID:           %s\n", profile.UUID)
	fmt.Printf("Created:        %s\n", profile.CreationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expiration:     %s\n", profile.ExpirationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expired:        %v\n", profile.IsExpired(time.Now()))

	certs, err := profile.Certificates()
	if err != nil {
		log.WithError(err).Warn("failed to parse developer certificates")
		return
	}
	fmt.Printf("Certificates:   %d\n", len(certs))
	for i, cert := range certs {
		fmt.Printf("  [%d] %s\n", i+1, cert.Subject.CommonName)
		fmt.Printf("      Serial: %s\n", cert.SerialNumber.String())
		fmt.Printf("      Expires: %s\n", cert.NotAfter.Format("2006-01-02"))
		if team := codesign.TeamIDFromCertificate(cert); team != "" {
			fmt.Printf("      Team ID: %s\n", team)
		}
	}
}

func showProfileInfo(profilePath string) error {
	profile, err := provision.Load(profilePath)
	if err != nil {
		return err
	}

	fmt.Println("Provisioning Profile Information")
	fmt.Println("================================")
	fmt.Printf("File:           %s\n", profilePath)
	printProfileSummary(profile)

	if profile.ProvisionsAllDevices {
		fmt.Printf("Devices:        all\n")
	} else if len(profile.ProvisionedDevices) > 0 {
		fmt.Printf("Devices:        %d\n", len(profile.ProvisionedDevices))
		fmt.Println()
		fmt.Println("Provisioned Devices:")
		for _, udid := range profile.ProvisionedDevices {
			fmt.Printf("  - %s\n", udid)
		}
	}

	ents := profile.Entitlements()
	if len(ents) > 0 {
		keys := make([]string, 0, len(ents))
		for k := range ents {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Println()
		fmt.Println("Entitlements:")
		for _, key := range keys {
			fmt.Printf("  %s: %v\n", key, ents[key])
		}
	}
	return nil
}
