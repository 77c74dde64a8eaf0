package cluster

import "errors"

// Sentinel errors for request validation.
var (
	// ErrValidation indicates bad input. Nothing was touched.
	ErrValidation = errors.New("validation error")

	// ErrInvalidRange indicates a malformed slot range. It is a validation error.
	ErrInvalidRange = &wrapped{msg: "invalid slot range", parent: ErrValidation}

	// ErrNotFound indicates the referenced node, proxy or job does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotReady indicates the slot map is not fully assigned yet.
	ErrNotReady = errors.New("slot map not ready")
)

// Sentinel errors for registry operations. None of them mutate state.
var (
	ErrNodeUnreachable = errors.New("node unreachable")
	ErrDuplicateNode   = errors.New("node already exists")
	ErrDuplicateProxy  = errors.New("proxy already exists")
	ErrNodeInUse       = errors.New("node still owns slots")
)

// Sentinel errors for migrations.
var (
	// ErrRangeLocked indicates another job holds an overlapping range. Retry later.
	ErrRangeLocked = errors.New("slot range locked")

	// ErrExecutor indicates the external executor failed. The slot map is untouched.
	ErrExecutor = errors.New("executor error")

	// ErrCommit indicates the data moved but the slot map was not updated.
	// An operator has to reconcile.
	ErrCommit = errors.New("commit error")
)

// ErrCoordinationUnavailable indicates the coordination store could not be
// reached or timed out. Operations fail closed.
var ErrCoordinationUnavailable = errors.New("coordination store unavailable")

// wrapped is a sentinel that also matches its parent with errors.Is.
type wrapped struct {
	msg    string
	parent error
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.parent }

// API error codes.
const (
	CodeSuccess                 = 22000
	CodeFailed                  = 22001
	CodeParamError              = 22005
	CodeOperatePermission       = 22008
	CodeNodeExist               = 22009
	CodeNoPermission            = 22010
	CodeProxyExist              = 22011
	CodeNodeUnreachable         = 22012
	CodeNodeInUse               = 22013
	CodeRangeLocked             = 22014
	CodeExecutorError           = 22015
	CodeCommitError             = 22016
	CodeCoordinationUnavailable = 22017
	CodeNotFound                = 22018
	CodeNotReady                = 22019
	CodeUnlogin                 = 22452
)

var codeTable = []struct {
	err  error
	code int
}{
	{ErrValidation, CodeParamError},
	{ErrDuplicateNode, CodeNodeExist},
	{ErrDuplicateProxy, CodeProxyExist},
	{ErrNodeUnreachable, CodeNodeUnreachable},
	{ErrNodeInUse, CodeNodeInUse},
	{ErrRangeLocked, CodeRangeLocked},
	{ErrExecutor, CodeExecutorError},
	{ErrCommit, CodeCommitError},
	{ErrCoordinationUnavailable, CodeCoordinationUnavailable},
	{ErrNotFound, CodeNotFound},
	{ErrNotReady, CodeNotReady},
}

// Code maps an error to its API code. nil maps to CodeSuccess and anything
// unrecognised to CodeFailed.
func Code(err error) int {
	if err == nil {
		return CodeSuccess
	}
	for _, c := range codeTable {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeFailed
}
