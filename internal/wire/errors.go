package wire

import "errors"

// Sentinel errors surfaced through internal/buserr at the message and
// dispatch layers. Kept local to avoid an import cycle; buserr wraps
// these with the stable wire error-name.
var (
	ErrInvalidData   = errors.New("wire: invalid data")
	ErrOutOfMemory   = errors.New("wire: allocation failure")
	ErrInvalidSig    = errors.New("wire: invalid signature")
	ErrWrongType     = errors.New("wire: value does not match expected type")
	ErrDepthExceeded = errors.New("wire: container nesting too deep")
	ErrNotAContainer = errors.New("wire: current value is not a container")
	ErrEmptyArray    = errors.New("wire: cannot recurse into empty array")
	ErrShortBuffer   = errors.New("wire: buffer too short")
)

// MaxDepth bounds container nesting, per SPEC_FULL.md / spec.md §9's
// recursion note: 32 levels of array/struct/variant nesting.
const MaxDepth = 32
