package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/ericselin/vworker/rfc9111"
)

// VersionHeader carries the release a stored response was validated against.
const VersionHeader = "vw-version"

type StampedResponse struct {
	Response *http.Response
	// The release the stored response was last validated against.
	// Zero if the response carries no stamp.
	Version int
}

// BytesToStampedResponse parses a stored response.
func BytesToStampedResponse(b []byte, req *http.Request) (StampedResponse, error) {
	sRes := StampedResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	if v := res.Header.Get(VersionHeader); v != "" {
		version, err := strconv.Atoi(v)
		if err != nil {
			return sRes, fmt.Errorf("bad %s header %q: %w", VersionHeader, v, err)
		}
		sRes.Version = version
	}
	return sRes, nil
}

// ResponseToBytes returns the HTTP/1.1 representation of the response,
// stamped with the given version. The response body is read and replaced,
// so the response stays usable.
func ResponseToBytes(res *http.Response, version int) ([]byte, error) {
	body := []byte{}
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	stored := *res
	stored.Header = rfc9111.StorableHeader(res.Header)
	if stored.Header == nil {
		stored.Header = http.Header{}
	}
	stored.Header.Set(VersionHeader, strconv.Itoa(version))
	stored.Header.Del("Content-Length")
	stored.ContentLength = int64(len(body))
	stored.TransferEncoding = nil
	stored.Body = io.NopCloser(bytes.NewReader(body))
	stored.ProtoMajor, stored.ProtoMinor = 1, 1
	stored.Close = false

	buf := &bytes.Buffer{}
	err := stored.Write(buf)
	// set response body back
	res.Body = io.NopCloser(bytes.NewReader(body))
	return buf.Bytes(), err
}

// Stamp returns the stored response re-stamped with the given version.
func Stamp(b []byte, version int) ([]byte, error) {
	sRes, err := BytesToStampedResponse(b, nil)
	if err != nil {
		return nil, err
	}
	return ResponseToBytes(sRes.Response, version)
}
