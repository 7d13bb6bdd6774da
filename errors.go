package dnsprox

import (
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// ErrMalformedQuery is returned when a query handed in by a listener can not be parsed.
var ErrMalformedQuery = errors.New("malformed query")

// QueryTimeoutError is returned when the time budget of a query is used up, or when
// the clock went backwards too far to compute what's left of it.
type QueryTimeoutError struct {
	query   *dns.Msg
	elapsed time.Duration
}

func (e QueryTimeoutError) Error() string {
	return fmt.Sprintf("query for '%s' timed out after %s", qName(e.query), e.elapsed)
}
