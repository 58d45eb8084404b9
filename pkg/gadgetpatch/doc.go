// Package gadgetpatch injects a dynamic library into an iOS application
// archive so that it is loaded when the application launches.
//
// The library (by default the Frida Gadget, optionally downloaded from the
// latest GitHub release) is copied to Frameworks/FridaGadget.dylib inside
// the app bundle, and the insert_dylib helper adds a load command for
// @executable_path/Frameworks/FridaGadget.dylib to the main executable.
// The input IPA is never modified; the result is written as
// PATCHED_<name>.ipa.
//
// # Basic Usage
//
//	res, err := gadgetpatch.Run(ctx, gadgetpatch.Options{
//	    IPAPath: "App.ipa",
//	    Library: gadgetpatch.LibrarySource{Path: "FridaGadget.dylib"},
//	    Helper:  gadgetpatch.HelperOptions{Mode: gadgetpatch.HelperSystem},
//	})
//
// The patched executable has no valid code signature and has to be
// re-signed before it can be installed.
package gadgetpatch
