package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aluedeke/go-gadgetpatch/pkg/gadgetpatch"
	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/caarlos0/ctrlc"
	"github.com/docopt/docopt-go"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

const version = "1.0.0"

const usage = `go-gadgetpatch - Frida Gadget injector for iOS IPA files

Injects a dynamic library into an IPA so that it is loaded when the app starts.
The library is stored as Frameworks/FridaGadget.dylib inside the app bundle and
registered in the main executable with insert_dylib. The result is written as
PATCHED_<ipa name>; the input IPA is left untouched.

Usage:
  go-gadgetpatch <ipa> (--gadget=<path> | --download-gadget) [--bundled | --system | --insert-dylib=<path>] [options]
  go-gadgetpatch -h | --help
  go-gadgetpatch --version

Options:
  --gadget=<path>        Path of the Frida Gadget dylib
  --download-gadget      Download the latest iOS Frida Gadget from GitHub
  --bundled              Use insert_dylib next to this tool, compiling it on first use (default)
  --system               Use insert_dylib found in $PATH
  --insert-dylib=<path>  Use the insert_dylib binary at <path>
  --helper-dir=<dir>     Directory of the bundled insert_dylib (or GADGETPATCH_HELPER_DIR)
  --output-dir=<dir>     Directory the patched IPA is written to [default: .]
  --timeout=<duration>   Abort the run after this long, 0 disables [default: 10m]
  --verify               Check the executable's load commands before and after patching
  -V --verbose           Verbose output
  -h --help              Show this help message
  --version              Show version

Environment Variables:
  GADGETPATCH_HELPER_DIR    Directory of the bundled insert_dylib (overridden by --helper-dir)
  GADGETPATCH_LATEST_URL    URL redirecting to the latest Frida release
  GADGETPATCH_DOWNLOAD_URL  Gadget download URL template, {VERSION} is replaced by the tag
  CC                        C compiler used to build the bundled insert_dylib (default gcc)

Examples:
  # Inject a local gadget using the bundled insert_dylib
  go-gadgetpatch MyApp.ipa --gadget=FridaGadget.dylib

  # Download the latest gadget and use insert_dylib from $PATH
  go-gadgetpatch MyApp.ipa --download-gadget --system

  # Use a specific insert_dylib build and verify the result
  go-gadgetpatch MyApp.ipa --gadget=agent.dylib --insert-dylib=/opt/bin/insert_dylib --verify
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	log.SetHandler(cli.Default)
	if verbose, _ := opts.Bool("--verbose"); verbose {
		log.SetLevel(log.DebugLevel)
	}

	if err := runPatch(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// patchOptions maps parsed arguments and environment onto run options
func patchOptions(opts docopt.Opts) (gadgetpatch.Options, time.Duration, error) {
	ipaPath, _ := opts.String("<ipa>")
	gadgetPath, _ := opts.String("--gadget")
	download, _ := opts.Bool("--download-gadget")
	system, _ := opts.Bool("--system")
	explicitHelper, _ := opts.String("--insert-dylib")
	helperDir, _ := opts.String("--helper-dir")
	outputDir, _ := opts.String("--output-dir")
	timeoutStr, _ := opts.String("--timeout")
	verify, _ := opts.Bool("--verify")
	verbose, _ := opts.Bool("--verbose")

	// Get values from environment if not provided via flags
	if helperDir == "" {
		helperDir = os.Getenv("GADGETPATCH_HELPER_DIR")
	}

	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		return gadgetpatch.Options{}, 0, fmt.Errorf("invalid --timeout: %w", err)
	}

	helper := gadgetpatch.HelperOptions{Mode: gadgetpatch.HelperBundled, Dir: helperDir}
	if system {
		helper.Mode = gadgetpatch.HelperSystem
	}
	if explicitHelper != "" {
		if system {
			return gadgetpatch.Options{}, 0, fmt.Errorf("%w: --system and --insert-dylib", gadgetpatch.ErrConflictingOptions)
		}
		helper.Mode = gadgetpatch.HelperExplicit
		helper.Path = explicitHelper
	}

	downloader := gadgetpatch.NewDownloader()
	downloader.Progress = progressEnabled(verbose, os.Stderr)
	if u := os.Getenv("GADGETPATCH_LATEST_URL"); u != "" {
		downloader.LatestURL = u
	}
	if u := os.Getenv("GADGETPATCH_DOWNLOAD_URL"); u != "" {
		downloader.URLTemplate = u
	}

	popts := gadgetpatch.Options{
		IPAPath:    ipaPath,
		Library:    gadgetpatch.LibrarySource{Path: gadgetPath, Download: download},
		Helper:     helper,
		OutputDir:  outputDir,
		Downloader: downloader,
		Verify:     verify,
	}
	if err := popts.Validate(); err != nil {
		return gadgetpatch.Options{}, 0, err
	}
	return popts, timeout, nil
}

// progressEnabled reports whether the download progress bar should be drawn
// on out; it is skipped for verbose runs and when out is not a terminal
func progressEnabled(verbose bool, out *os.File) bool {
	if verbose {
		return false
	}
	return isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())
}

func runPatch(opts docopt.Opts) error {
	popts, timeout, err := patchOptions(opts)
	if err != nil {
		return err
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	fmt.Printf("Patching IPA: %s\n", popts.IPAPath)
	if popts.Library.Download {
		fmt.Println("Gadget: latest release from GitHub")
	} else {
		fmt.Printf("Gadget: %s\n", popts.Library.Path)
	}
	fmt.Printf("insert_dylib: %s\n", popts.Helper.Mode)
	fmt.Println()

	var res *gadgetpatch.Result
	done := make(chan struct{})
	err = ctrlc.Default.Run(ctx, func() error {
		defer close(done)
		var rerr error
		res, rerr = gadgetpatch.Run(ctx, popts)
		return rerr
	})
	// let Run unwind and remove its scratch files before exiting
	cancel()
	<-done
	if err != nil {
		if errors.As(err, &ctrlc.ErrorCtrlC{}) {
			log.Warn("Interrupted, scratch files removed")
		}
		return err
	}

	color.New(color.FgGreen).Printf("%s successfully inserted into binary\n", gadgetpatch.LibraryName)
	if res.LibraryVersion != "" {
		fmt.Printf("Gadget version: %s\n", res.LibraryVersion)
	}
	fmt.Printf("App: %s (%s)\n", res.AppName, res.ExecutableName)
	fmt.Printf("Output: %s\n", res.OutputPath)
	return nil
}
