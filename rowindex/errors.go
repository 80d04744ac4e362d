package rowindex

import "errors"

// ErrIndexSizeExceeded is returned by Add once an Index has reached its
// configured row capacity. The appenderator should never actually observe
// this, since it checks CanAppendRow after every Add and persists the
// hydrant as soon as it turns false, but the error
// exists so the contract is enforced rather than assumed.
var ErrIndexSizeExceeded = errors.New("rowindex: index size exceeded")
