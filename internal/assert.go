package internal

import (
	"context"

	"github.com/xaionaro-go/avcdpb/logger"
)

// Assert logs a violated invariant and returns false. It never panics, the
// caller continues with a safe default.
func Assert(
	ctx context.Context,
	mustBeTrue bool,
	extraArgs ...any,
) bool {
	if mustBeTrue {
		return true
	}

	logger.Error(ctx, "assertion failed", extraArgs)
	return false
}
