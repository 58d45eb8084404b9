package gadgetpatch

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/apex/log"
)

// LoadDependencyRegistrar adds a load-time library dependency to a Mach-O
// executable in place
type LoadDependencyRegistrar interface {
	RegisterLoadDependency(ctx context.Context, executablePath, loadPath string) error
}

// InsertDylib registers load dependencies by running the insert_dylib helper
type InsertDylib struct {
	Path string
}

// InsertDylibArgs returns the helper arguments for an in-place insertion
// that strips any existing code signature
func InsertDylibArgs(loadPath, executablePath string) []string {
	return []string{"--inplace", "--strip-codesig", loadPath, executablePath}
}

// RegisterLoadDependency runs insert_dylib against executablePath.
//
// insert_dylib resolves @executable_path relative to the working directory,
// decides the library does not exist and asks whether to continue; the
// answer is always yes.
func (i *InsertDylib) RegisterLoadDependency(ctx context.Context, executablePath, loadPath string) error {
	args := InsertDylibArgs(loadPath, executablePath)
	log.WithField("args", strings.Join(args, " ")).Debug("Running " + HelperName)

	cmd := exec.CommandContext(ctx, i.Path, args...)
	cmd.Stdin = strings.NewReader("y\n")
	output, err := cmd.CombinedOutput()
	if len(output) > 0 {
		log.Debugf("%s output:\n%s", HelperName, output)
	}
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrHelperFailed, ctx.Err())
		}
		return fmt.Errorf("%w: %v", ErrHelperFailed, err)
	}
	return nil
}
