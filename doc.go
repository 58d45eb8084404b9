// Package main provides the go-gadgetpatch CLI tool, which injects the
// Frida Gadget (or any dylib) into an iOS IPA.
//
// For the library API, see the gadgetpatch subpackage:
//
//	import "github.com/aluedeke/go-gadgetpatch/pkg/gadgetpatch"
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/aluedeke/go-gadgetpatch@latest
//
// The bundled mode expects insert_dylib, or its sources under
// insert_dylib_source/<GOOS>/main.c, next to the installed binary.
package main
