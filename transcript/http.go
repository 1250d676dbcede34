package transcript

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"tlsn-mpc/shared"
)

const crlf = "\r\n"
const headerTerminator = "\r\n\r\n"

// Header is one HTTP header line with independently addressable name and
// value bytes. Span covers the full line including its CRLF.
type Header struct {
	Name  string
	Value string

	Span      Range
	NameSpan  Range
	ValueSpan Range
}

// Request is one parsed HTTP/1.1 request in the sent stream
type Request struct {
	Method  string
	Target  string
	Headers []Header

	Span       Range
	TargetSpan Range
	BodySpan   Range
	HasBody    bool
}

// Response is one parsed HTTP/1.1 response in the received stream
type Response struct {
	StatusCode int
	Reason     string
	Headers    []Header

	Span     Range
	BodySpan Range
	HasBody  bool
}

// HTTPTranscript is the structured view over a raw transcript
type HTTPTranscript struct {
	Requests  []Request
	Responses []Response
}

// ParseHTTP parses both streams of a transcript into their HTTP structure.
// It returns every exchange it finds; shape constraints (exactly one
// request and response) are the caller's policy.
func ParseHTTP(t *Transcript) (*HTTPTranscript, error) {
	requests, err := parseRequests(t.Sent())
	if err != nil {
		return nil, shared.NewTranscriptParseError("malformed request stream", err)
	}
	responses, err := parseResponses(t.Received())
	if err != nil {
		return nil, shared.NewTranscriptParseError("malformed response stream", err)
	}
	return &HTTPTranscript{Requests: requests, Responses: responses}, nil
}

func parseRequests(data []byte) ([]Request, error) {
	var out []Request
	off := 0
	for off < len(data) {
		req, next, err := parseRequestAt(data, off)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
		off = next
	}
	return out, nil
}

func parseRequestAt(data []byte, off int) (Request, int, error) {
	var req Request

	headEnd := bytes.Index(data[off:], []byte(headerTerminator))
	if headEnd < 0 {
		return req, 0, fmt.Errorf("request at offset %d has no header terminator", off)
	}
	headEnd = off + headEnd + len(headerTerminator)

	lineEnd := bytes.Index(data[off:headEnd], []byte(crlf))
	lineEnd = off + lineEnd
	line := string(data[off:lineEnd])

	method, rest, ok := strings.Cut(line, " ")
	if !ok || method == "" {
		return req, 0, fmt.Errorf("malformed request line %q", line)
	}
	target, version, ok := strings.Cut(rest, " ")
	if !ok || target == "" || !strings.HasPrefix(version, "HTTP/") {
		return req, 0, fmt.Errorf("malformed request line %q", line)
	}

	req.Method = method
	req.Target = target
	targetStart := off + len(method) + 1
	req.TargetSpan = Range{Start: uint32(targetStart), End: uint32(targetStart + len(target))}

	headers, err := parseHeaderLines(data, lineEnd+len(crlf), headEnd-len(crlf))
	if err != nil {
		return req, 0, err
	}
	req.Headers = headers

	next := headEnd
	if cl, ok, err := contentLength(headers); err != nil {
		return req, 0, err
	} else if ok && cl > 0 {
		if headEnd+cl > len(data) {
			return req, 0, fmt.Errorf("request body truncated: content-length %d exceeds stream", cl)
		}
		req.BodySpan = Range{Start: uint32(headEnd), End: uint32(headEnd + cl)}
		req.HasBody = true
		next = headEnd + cl
	}

	req.Span = Range{Start: uint32(off), End: uint32(next)}
	return req, next, nil
}

func parseResponses(data []byte) ([]Response, error) {
	var out []Response
	off := 0
	for off < len(data) {
		resp, next, err := parseResponseAt(data, off)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
		off = next
	}
	return out, nil
}

func parseResponseAt(data []byte, off int) (Response, int, error) {
	var resp Response

	headEnd := bytes.Index(data[off:], []byte(headerTerminator))
	if headEnd < 0 {
		return resp, 0, fmt.Errorf("response at offset %d has no header terminator", off)
	}
	headEnd = off + headEnd + len(headerTerminator)

	lineEnd := bytes.Index(data[off:headEnd], []byte(crlf))
	lineEnd = off + lineEnd
	line := string(data[off:lineEnd])

	version, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(version, "HTTP/") {
		return resp, 0, fmt.Errorf("malformed status line %q", line)
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return resp, 0, fmt.Errorf("malformed status code in %q", line)
	}
	resp.StatusCode = code
	resp.Reason = reason

	headers, err := parseHeaderLines(data, lineEnd+len(crlf), headEnd-len(crlf))
	if err != nil {
		return resp, 0, err
	}
	resp.Headers = headers

	// Content-Length bounds the body when present; otherwise the body is
	// the remainder of the stream (the prover always requests
	// Connection: close, so end-of-stream delimits the single response).
	next := len(data)
	bodyEnd := len(data)
	if cl, ok, err := contentLength(headers); err != nil {
		return resp, 0, err
	} else if ok {
		if headEnd+cl > len(data) {
			return resp, 0, fmt.Errorf("response body truncated: content-length %d exceeds stream", cl)
		}
		bodyEnd = headEnd + cl
		next = bodyEnd
	}
	if bodyEnd > headEnd {
		resp.BodySpan = Range{Start: uint32(headEnd), End: uint32(bodyEnd)}
		resp.HasBody = true
	}

	resp.Span = Range{Start: uint32(off), End: uint32(next)}
	return resp, next, nil
}

// parseHeaderLines parses the header block between start and end (end
// excludes the blank line). Offsets are absolute into data.
func parseHeaderLines(data []byte, start, end int) ([]Header, error) {
	var out []Header
	lineStart := start
	for lineStart < end {
		rel := bytes.Index(data[lineStart:end], []byte(crlf))
		if rel < 0 {
			return nil, fmt.Errorf("header block not CRLF-terminated at offset %d", lineStart)
		}
		lineEnd := lineStart + rel
		if lineEnd <= lineStart {
			return nil, fmt.Errorf("empty header line at offset %d", lineStart)
		}

		line := data[lineStart:lineEnd]
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return nil, fmt.Errorf("header line %q has no name", string(line))
		}

		valStart := colon + 1
		for valStart < len(line) && (line[valStart] == ' ' || line[valStart] == '\t') {
			valStart++
		}

		out = append(out, Header{
			Name:      string(line[:colon]),
			Value:     string(line[valStart:]),
			Span:      Range{Start: uint32(lineStart), End: uint32(lineEnd + len(crlf))},
			NameSpan:  Range{Start: uint32(lineStart), End: uint32(lineStart + colon)},
			ValueSpan: Range{Start: uint32(lineStart + valStart), End: uint32(lineEnd)},
		})
		lineStart = lineEnd + len(crlf)
	}
	return out, nil
}

func contentLength(headers []Header) (int, bool, error) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(h.Value))
			if err != nil || n < 0 {
				return 0, false, fmt.Errorf("bad content-length %q", h.Value)
			}
			return n, true, nil
		}
	}
	return 0, false, nil
}
