// Package httpstream incrementally parses HTTP/1.x messages out of a byte
// stream that arrives in arbitrary-sized chunks.
//
// One Parser tracks one direction of one connection. Feed is restartable:
// a call that doesn't yet contain a complete message buffers what it has
// and waits for the next Feed to bring more bytes.
package httpstream

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// Phase is where a Parser currently is in a message.
type Phase int

const (
	PhaseHeaders Phase = iota
	PhaseBodyByLength
	PhaseBodyChunked
)

// BodyEncoding tags how the Message.Body bytes should be interpreted.
type BodyEncoding string

const (
	EncodingUTF8   BodyEncoding = "utf8"
	EncodingBinary BodyEncoding = "binary"
	EncodingNone   BodyEncoding = ""
)

// Message is one complete, parsed HTTP/1.x request or response.
type Message struct {
	StartLine    string
	IsResponse   bool
	Method       string
	Path         string
	StatusCode   int
	Headers      map[string]string
	HeaderOrder  []string
	Body         []byte
	BodyEncoding BodyEncoding
	Truncated    bool
}

// DefaultMaxBodySize matches the spec's default cap on buffered body bytes.
const DefaultMaxBodySize = 1 << 20 // 1 MiB

// Parser holds the incremental state for one direction of one connection.
type Parser struct {
	maxBodySize int

	buf   []byte
	phase Phase

	headers     map[string]string
	headerOrder []string
	startLine   string
	isResponse  bool
	method      string
	path        string
	statusCode  int

	contentLength int
	bodyRead      int
	bodyBuf       []byte
	bodyTruncated bool
	bodyEncoding  BodyEncoding

	chunkRemaining int
	chunkLineLen   int
	inChunkData    bool
}

// New builds a Parser. maxBodySize <= 0 uses DefaultMaxBodySize.
func New(maxBodySize int) *Parser {
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}
	return &Parser{maxBodySize: maxBodySize}
}

// Feed appends data to the parser's internal buffer and extracts as many
// complete messages as are now available. It never blocks and never
// discards bytes it can't yet use.
func (p *Parser) Feed(data []byte) []Message {
	p.buf = append(p.buf, data...)

	var out []Message
	for {
		msg, ok := p.step()
		if !ok {
			break
		}
		out = append(out, msg)
	}
	return out
}

func (p *Parser) step() (Message, bool) {
	switch p.phase {
	case PhaseHeaders:
		if !p.tryParseHeaders() {
			return Message{}, false
		}
		return p.maybeFinishAfterHeaders()
	case PhaseBodyByLength:
		return p.tryParseBodyByLength()
	case PhaseBodyChunked:
		return p.tryParseBodyChunked()
	}
	return Message{}, false
}

// tryParseHeaders looks for a CRLFCRLF (or lenient LFLF) terminator, and if
// found, parses the start line and header block, then resets buf to the
// leftover bytes after the terminator.
func (p *Parser) tryParseHeaders() bool {
	idx, termLen := findHeaderTerminator(p.buf)
	if idx < 0 {
		return false
	}

	block := string(p.buf[:idx])
	p.buf = p.buf[idx+termLen:]

	lines := strings.Split(block, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	if len(lines) == 0 {
		p.startLine = ""
	} else {
		p.startLine = lines[0]
		lines = lines[1:]
	}
	p.isResponse, p.method, p.path, p.statusCode = parseStartLine(p.startLine)

	p.headers = make(map[string]string)
	p.headerOrder = nil
	for _, l := range lines {
		if l == "" {
			continue
		}
		colon := strings.Index(l, ":")
		if colon < 0 {
			continue
		}
		name := strings.TrimSpace(l[:colon])
		// Leading whitespace after the colon is insignificant; trailing
		// whitespace is part of the value.
		value := strings.TrimLeft(l[colon+1:], " \t")
		key := strings.ToLower(name)
		p.headers[key] = value
		p.headerOrder = append(p.headerOrder, name)
	}
	return true
}

// parseStartLine classifies a start-line as a response (begins with
// "HTTP/") or a request, per the same rule on both ends of a connection --
// the parser doesn't know in advance which kind it will see next. A
// response's status code is the token after the first space (left 0 on
// parse failure); a request's method and path are the first two
// space-delimited tokens. Malformed start-lines never error -- the
// offending field is just left empty.
func parseStartLine(line string) (isResponse bool, method, path string, statusCode int) {
	if strings.HasPrefix(line, "HTTP/") {
		isResponse = true
		parts := strings.SplitN(line, " ", 3)
		if len(parts) >= 2 {
			if n, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
				statusCode = n
			}
		}
		return
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) >= 1 {
		method = parts[0]
	}
	if len(parts) >= 2 {
		path = parts[1]
	}
	return
}

func findHeaderTerminator(buf []byte) (idx int, termLen int) {
	if i := indexOf(buf, "\r\n\r\n"); i >= 0 {
		return i, 4
	}
	if i := indexOf(buf, "\n\n"); i >= 0 {
		return i, 2
	}
	return -1, 0
}

func indexOf(buf []byte, sub string) int {
	return strings.Index(string(buf), sub)
}

// maybeFinishAfterHeaders decides, now that headers are parsed, whether the
// message has a body and which framing governs it.
func (p *Parser) maybeFinishAfterHeaders() (Message, bool) {
	te := strings.ToLower(p.headers["transfer-encoding"])
	if strings.Contains(te, "chunked") {
		p.phase = PhaseBodyChunked
		p.chunkRemaining = 0
		p.inChunkData = false
		p.bodyBuf = nil
		p.bodyTruncated = false
		p.bodyEncoding = EncodingNone
		return p.tryParseBodyChunked()
	}

	if cl, ok := p.headers["content-length"]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			n = 0
		}
		p.contentLength = n
		p.bodyRead = 0
		p.bodyBuf = nil
		p.bodyTruncated = false
		p.bodyEncoding = EncodingNone
		if n == 0 {
			return p.finish(nil, false), true
		}
		p.phase = PhaseBodyByLength
		return p.tryParseBodyByLength()
	}

	// No body framing declared: message ends with the headers.
	return p.finish(nil, false), true
}

func (p *Parser) tryParseBodyByLength() (Message, bool) {
	remaining := p.contentLength - p.bodyRead
	if remaining < 0 {
		remaining = 0
	}
	if len(p.buf) < remaining {
		// Not all declared bytes are here yet; buffer what we can keep
		// (subject to the cap) and wait for more.
		take := len(p.buf)
		p.consumeIntoBody(p.buf[:take])
		p.buf = p.buf[take:]
		return Message{}, false
	}

	p.consumeIntoBody(p.buf[:remaining])
	p.buf = p.buf[remaining:]
	return p.finish(p.bodyBuf, p.bodyTruncated), true
}

func (p *Parser) consumeIntoBody(b []byte) {
	p.bodyRead += len(b)
	if len(b) == 0 {
		return
	}
	space := p.maxBodySize - len(p.bodyBuf)
	if space <= 0 {
		p.bodyTruncated = true
		return
	}
	run := b
	if len(b) > space {
		run = b[:space]
		p.bodyTruncated = true
	}
	p.bodyBuf = append(p.bodyBuf, run...)
	p.applyEncoding(run)
}

// applyEncoding folds one appended run's validity into the message's
// encoding tag. Matching the per-chunk check the native parser does, this is
// evaluated as each run is appended rather than once over the assembled
// body, so a multi-byte character split across chunk boundaries is judged by
// the (invalid) halves it actually arrived in, not the valid whole they
// happen to reassemble into. Once any run is invalid the tag stays binary.
func (p *Parser) applyEncoding(run []byte) {
	if p.bodyEncoding == EncodingBinary {
		return
	}
	if !utf8.Valid(run) {
		p.bodyEncoding = EncodingBinary
		return
	}
	if p.bodyEncoding == EncodingNone {
		p.bodyEncoding = EncodingUTF8
	}
}

// tryParseBodyChunked implements chunked transfer-encoding framing. Unlike
// a naive port that consumes the size line before the chunk body is known
// to be fully present, this only advances buf once an entire chunk (size
// line + data + trailing CRLF) — or the zero-size terminator — is
// confirmed in the buffer, so a partial Feed never desyncs the parser.
func (p *Parser) tryParseBodyChunked() (Message, bool) {
	for {
		if !p.inChunkData {
			lineEnd := indexOf(p.buf, "\r\n")
			sep := 2
			if lineEnd < 0 {
				if alt := indexOf(p.buf, "\n"); alt >= 0 {
					lineEnd = alt
					sep = 1
				} else {
					return Message{}, false
				}
			}
			sizeLine := strings.TrimSpace(string(p.buf[:lineEnd]))
			if semi := strings.Index(sizeLine, ";"); semi >= 0 {
				sizeLine = sizeLine[:semi]
			}
			size, err := strconv.ParseInt(strings.TrimSpace(sizeLine), 16, 64)
			if err != nil || size < 0 {
				// Unparseable chunk framing: end the message with what we have.
				return p.finish(p.bodyBuf, true), true
			}

			if size == 0 {
				// Need the terminating CRLF (trailers unsupported) after
				// the zero-size line before committing to ending.
				after := p.buf[lineEnd+sep:]
				switch {
				case strings.HasPrefix(string(after), "\r\n"):
					p.buf = after[2:]
				case strings.HasPrefix(string(after), "\n"):
					p.buf = after[1:]
				case len(after) >= 2:
					// malformed terminator but enough bytes seen; end anyway
					p.buf = after
				default:
					return Message{}, false
				}
				return p.finish(p.bodyBuf, p.bodyTruncated), true
			}

			p.chunkRemaining = int(size)
			p.chunkLineLen = lineEnd + sep
			p.inChunkData = true
		}

		needed := p.chunkLineLen + p.chunkRemaining + 2 // data + trailing CRLF
		if len(p.buf) < needed {
			return Message{}, false
		}

		data := p.buf[p.chunkLineLen : p.chunkLineLen+p.chunkRemaining]
		p.consumeIntoBody(data)
		p.buf = p.buf[needed:]
		p.inChunkData = false
		p.chunkRemaining = 0
		p.chunkLineLen = 0
	}
}

func (p *Parser) finish(body []byte, truncated bool) Message {
	msg := Message{
		StartLine:    p.startLine,
		IsResponse:   p.isResponse,
		Method:       p.method,
		Path:         p.path,
		StatusCode:   p.statusCode,
		Headers:      p.headers,
		HeaderOrder:  p.headerOrder,
		Body:         body,
		BodyEncoding: p.bodyEncoding,
		Truncated:    truncated,
	}
	p.resetForNextMessage()
	return msg
}

func (p *Parser) resetForNextMessage() {
	p.phase = PhaseHeaders
	p.headers = nil
	p.headerOrder = nil
	p.startLine = ""
	p.isResponse = false
	p.method = ""
	p.path = ""
	p.statusCode = 0
	p.contentLength = 0
	p.bodyRead = 0
	p.bodyBuf = nil
	p.bodyTruncated = false
	p.bodyEncoding = EncodingNone
	p.chunkRemaining = 0
	p.inChunkData = false
	p.chunkLineLen = 0
}
