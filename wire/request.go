package wire

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ProtocolVersion is sent in every start request.
const ProtocolVersion = 1

// EndRequest asks the relay to close the connection gracefully.
const EndRequest = "/end\n"

// StartParams are the fields of the handshake request line.
type StartParams struct {
	Version   int
	User      string
	Document  string
	Token     string
	ConnectID uint64
	Offset    uint64
}

// StartRequest returns the handshake line sent right after connecting.
func StartRequest(p StartParams) string {
	v := p.Version
	if v == 0 {
		v = ProtocolVersion
	}
	return fmt.Sprintf("GET /start?version=%d&user=%s&document=%s&token=%s&uuid=%d&offset=%d\n",
		v, url.QueryEscape(p.User), url.QueryEscape(p.Document), url.QueryEscape(p.Token),
		p.ConnectID, p.Offset)
}

// DataFrame prefixes payload with its /data request line.
func DataFrame(payload []byte) []byte {
	b := make([]byte, 0, len(payload)+24)
	b = append(b, "/data?length="...)
	b = strconv.AppendInt(b, int64(len(payload)), 10)
	b = append(b, '\n')
	return append(b, payload...)
}

// RequestKind identifies a client request line.
type RequestKind int

const (
	RequestStart RequestKind = iota + 1
	RequestData
	RequestEnd
)

// Request is a parsed client request line.
type Request struct {
	Kind   RequestKind
	Start  StartParams
	Length int
}

// ParseRequest parses one request line, with or without its trailing newline
// and with or without a leading "GET ".
func ParseRequest(line string) (Request, error) {
	line = strings.TrimRight(line, "\r\n")
	line = strings.TrimPrefix(line, "GET ")
	// tolerate an HTTP-style version suffix
	if i := strings.IndexByte(line, ' '); i >= 0 {
		line = line[:i]
	}
	path, rawQuery, _ := strings.Cut(line, "?")
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return Request{}, fmt.Errorf("%w: request query: %v", ErrMalformed, err)
	}

	switch path {
	case "/start":
		p := StartParams{
			User:     q.Get("user"),
			Document: q.Get("document"),
			Token:    q.Get("token"),
		}
		if p.Version, err = strconv.Atoi(q.Get("version")); err != nil {
			return Request{}, fmt.Errorf("%w: start version %q", ErrMalformed, q.Get("version"))
		}
		if p.Document == "" {
			return Request{}, fmt.Errorf("%w: start without document", ErrMalformed)
		}
		p.ConnectID, _ = strconv.ParseUint(q.Get("uuid"), 10, 64)
		if s := q.Get("offset"); s != "" {
			if p.Offset, err = strconv.ParseUint(s, 10, 64); err != nil {
				return Request{}, fmt.Errorf("%w: start offset %q", ErrMalformed, s)
			}
		}
		return Request{Kind: RequestStart, Start: p}, nil
	case "/data":
		n, err := strconv.Atoi(q.Get("length"))
		if err != nil || n < 0 {
			return Request{}, fmt.Errorf("%w: data length %q", ErrMalformed, q.Get("length"))
		}
		return Request{Kind: RequestData, Length: n}, nil
	case "/end":
		return Request{Kind: RequestEnd}, nil
	default:
		return Request{}, fmt.Errorf("%w: unknown request %q", ErrMalformed, path)
	}
}
