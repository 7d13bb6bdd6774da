package dnsprox

import (
	"strconv"

	"github.com/miekg/dns"
)

// Return the query name from a DNS query.
func qName(q *dns.Msg) string {
	if q == nil || len(q.Question) == 0 {
		return ""
	}
	return q.Question[0].Name
}

// Returns the string representation of the query type.
func qType(q *dns.Msg) string {
	if q == nil || len(q.Question) == 0 {
		return ""
	}
	return dns.TypeToString[q.Question[0].Qtype]
}

// Return the result code name from a DNS response.
func rCode(r *dns.Msg) string {
	if result, ok := dns.RcodeToString[r.Rcode]; ok {
		return result
	}
	return strconv.Itoa(r.Rcode)
}

// Returns a SERVFAIL answer for a query. Unlike the other responses built here, it's
// a full copy of the query with the flags replaced by QR, RD and RA.
func servfail(q *dns.Msg) *dns.Msg {
	a := q.Copy()
	a.MsgHdr = dns.MsgHdr{
		Id:                 q.Id,
		Response:           true,
		RecursionDesired:   true,
		RecursionAvailable: true,
		Rcode:              dns.RcodeServerFailure,
	}
	return a
}

// Returns a REFUSED answer for a query.
func refused(q *dns.Msg) *dns.Msg {
	return responseWithCode(q, dns.RcodeRefused)
}

// Returns a FORMERR answer for a query.
func formerr(q *dns.Msg) *dns.Msg {
	return responseWithCode(q, dns.RcodeFormatError)
}

// Build a response for a query with the given responce code.
func responseWithCode(q *dns.Msg, rcode int) *dns.Msg {
	a := new(dns.Msg)
	a.SetRcode(q, rcode)
	return a
}

// Returns the maximum response size a client can receive over UDP.
func maxUDPSize(q *dns.Msg) int {
	maxSize := dns.MinMsgSize
	if edns0 := q.IsEdns0(); edns0 != nil {
		maxSize = int(edns0.UDPSize())
	}
	return maxSize
}
