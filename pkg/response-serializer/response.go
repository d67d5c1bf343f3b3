package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	responseTimeHeaderName = "Tcache-Response-Time"
	requestTimeHeaderName  = "Tcache-Request-Time"
)

var delim = []byte("\r\n\r\n----\r\n\r\n")

// TimedResponse is a response captured by the proxy, together with the
// request that produced it and the times needed to report its age.
type TimedResponse struct {
	Response *http.Response
	// The value of the clock at the time of the request that resulted in the stored response.
	RequestTime time.Time
	// The value of the clock at the time the response was received.
	ResponseTime time.Time
}

// Age returns how long ago the response was received.
func (t TimedResponse) Age(now time.Time) time.Duration {
	return now.Sub(t.ResponseTime)
}

// StoredResponseToBytes serializes the response (and its request, when set) into the
// HTTP/1.1 wire format used for tier entries.
// The response body is consumed and replaced by an equivalent reader,
// so the caller can still send the response after storing it.
func StoredResponseToBytes(sRes TimedResponse) ([]byte, error) {
	res := sRes.Response
	if res == nil {
		return nil, fmt.Errorf("response not set")
	}
	buf := &bytes.Buffer{}

	if req := res.Request; req != nil {
		// only the request line and headers are kept; bodies of cached requests are never replayed
		if err := writeRequestHead(buf, req); err != nil {
			return nil, fmt.Errorf("write request: %w", err)
		}
	}
	buf.Write(delim)

	res.Header.Set(responseTimeHeaderName, strconv.FormatInt(sRes.ResponseTime.UnixNano(), 10))
	res.Header.Set(requestTimeHeaderName, strconv.FormatInt(sRes.RequestTime.UnixNano(), 10))
	bts, err := responseToBytes(res)
	// remove the extra headers so they are not sent to the client
	res.Header.Del(responseTimeHeaderName)
	res.Header.Del(requestTimeHeaderName)
	if err != nil {
		return nil, err
	}

	buf.Write(bts)
	return buf.Bytes(), nil
}

// BytesToStoredResponse parses bytes created by StoredResponseToBytes.
// Entries without a stored request get a nil Response.Request.
func BytesToStoredResponse(b []byte) (TimedResponse, error) {
	sRes := TimedResponse{}
	reqBytes, resBytes, found := bytes.Cut(b, delim)
	if !found {
		return sRes, fmt.Errorf("stored response is missing the request delimiter")
	}
	var req *http.Request
	if len(reqBytes) > 0 {
		r, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(reqBytes)))
		if err != nil {
			return sRes, fmt.Errorf("read stored request: %w", err)
		}
		req = r
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(resBytes)), req)
	if err != nil {
		return sRes, fmt.Errorf("read stored response: %w", err)
	}
	sRes.Response = res
	sRes.ResponseTime = parseNanos(res.Header.Get(responseTimeHeaderName))
	sRes.RequestTime = parseNanos(res.Header.Get(requestTimeHeaderName))
	res.Header.Del(responseTimeHeaderName)
	res.Header.Del(requestTimeHeaderName)
	return sRes, nil
}

func parseNanos(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func writeRequestHead(w io.Writer, req *http.Request) error {
	head := &http.Request{
		Method:     req.Method,
		URL:        req.URL,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     req.Header.Clone(),
		Host:       req.Host,
	}
	if head.Header == nil {
		head.Header = http.Header{}
	}
	return head.Write(w)
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response and puts an unread copy of the
// body back on res.
func responseToBytes(res *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, fmt.Errorf("re-read response: %w", err)
	}
	res.Body = clonedRes.Body
	res.ContentLength = clonedRes.ContentLength
	res.TransferEncoding = clonedRes.TransferEncoding
	return bts, nil
}
