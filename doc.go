// Package main provides the go-resign CLI tool for resigning iOS apps.
//
// The building blocks live in the pkg subpackages:
//
//	import "github.com/aluedeke/go-resign/pkg/certificate" // PEM and P12 identities
//	import "github.com/aluedeke/go-resign/pkg/provision"   // provisioning profiles
//	import "github.com/aluedeke/go-resign/pkg/macho"       // embedded entitlements
//	import "github.com/aluedeke/go-resign/pkg/signer"      // signing plans and passes
//	import "github.com/aluedeke/go-resign/pkg/codesign"    // signature writer and inspection
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/aluedeke/go-resign@latest
package main
