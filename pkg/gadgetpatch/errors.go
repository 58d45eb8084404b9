package gadgetpatch

import "errors"

var (
	// ErrUnsupportedOS is returned when the bundled helper cannot be used on this host
	ErrUnsupportedOS = errors.New("OS not supported by the tool")
	// ErrCompilerNotFound is returned when no C compiler is on $PATH
	ErrCompilerNotFound = errors.New("C compiler cannot be found in $PATH")

	ErrLibrarySource      = errors.New("exactly one of a gadget path or download must be selected")
	ErrConflictingOptions = errors.New("conflicting options")
	ErrDownloadStatus     = errors.New("response returned while downloading gadget was not 200 OK")
	ErrInvalidVersion     = errors.New("latest release tag is not a version")

	ErrHelperNotFound = errors.New("insert_dylib cannot be found")
	ErrHelperCompile  = errors.New("error while compiling insert_dylib")
	ErrHelperFailed   = errors.New("error while using insert_dylib tool")

	ErrIPANotFound        = errors.New("provided IPA file cannot be found")
	ErrBadIPA             = errors.New("IPA cannot be uncompressed")
	ErrNoAppBundle        = errors.New("no .app bundle found in Payload directory")
	ErrMultipleAppBundles = errors.New("more than one .app bundle found in Payload directory")
	ErrManifest           = errors.New("invalid Info.plist")

	ErrAlreadyPatched = errors.New("load dependency already present")
	ErrNotInjected    = errors.New("load dependency missing after patching")
)
