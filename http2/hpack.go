package http2

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type (
	// HeaderField is a single decoded header.
	HeaderField struct {
		Name  string
		Value string
	}

	// HeaderSet is an ordered list of decoded headers.
	HeaderSet []HeaderField

	// HPACKDecoder decompresses header blocks as per RFC 7541. Decoding is
	// performed across the frames of a connection, so a decoder instance is
	// stateful and belongs to exactly one connection.
	HPACKDecoder struct {
		dynamicHeaders HeaderSet
	}
)

// See https://httpwg.org/specs/rfc7541.html#static.table.definition for the
// static header table definition.
var staticHeaders = [61]HeaderField{
	{`:authority`, ``},
	{`:method`, `GET`},
	{`:method`, `POST`},
	{`:path`, `/`},
	{`:path`, `/index.html`},
	{`:scheme`, `http`},
	{`:scheme`, `https`},
	{`:status`, `200`},
	{`:status`, `204`},
	{`:status`, `206`},
	{`:status`, `304`},
	{`:status`, `400`},
	{`:status`, `404`},
	{`:status`, `500`},
	{`accept-charset`, ``},
	{`accept-encoding`, `gzip,deflate`},
	{`accept-language`, ``},
	{`accept-ranges`, ``},
	{`accept`, ``},
	{`access-control-allow-origin`, ``},
	{`age`, ``},
	{`allow`, ``},
	{`authorization`, ``},
	{`cache-control`, ``},
	{`content-disposition`, ``},
	{`content-encoding`, ``},
	{`content-language`, ``},
	{`content-length`, ``},
	{`content-location`, ``},
	{`content-range`, ``},
	{`content-type`, ``},
	{`cookie`, ``},
	{`date`, ``},
	{`etag`, ``},
	{`expect`, ``},
	{`expires`, ``},
	{`from`, ``},
	{`host`, ``},
	{`if-match`, ``},
	{`if-modified-since`, ``},
	{`if-none-match`, ``},
	{`if-range`, ``},
	{`if-unmodified-since`, ``},
	{`last-modified`, ``},
	{`link`, ``},
	{`location`, ``},
	{`max-forwards`, ``},
	{`proxy-authenticate`, ``},
	{`proxy-authorization`, ``},
	{`range`, ``},
	{`referer`, ``},
	{`refresh`, ``},
	{`retry-after`, ``},
	{`server`, ``},
	{`set-cookie`, ``},
	{`strict-transport-security`, ``},
	{`transfer-encoding`, ``},
	{`user-agent`, ``},
	{`vary`, ``},
	{`via`, ``},
	{`www-authenticate`, ``},
}

// MaxDynamicHeaderTableSize returns the dynamic table size advertised in
// the server's SETTINGS frame.
func (d *HPACKDecoder) MaxDynamicHeaderTableSize() uint32 { return DefaultHeaderTableSize }

// Decode decompresses a complete header block.
func (d *HPACKDecoder) Decode(data []byte) (HeaderSet, error) {
	var headers HeaderSet
	for offset := 0; offset < len(data); offset++ {
		switch data[offset] {
		// TODO: implement the RFC 7541 representations.
		default:
			return nil, status.Error(codes.InvalidArgument, `invalid HPACK encoding`)
		}
	}
	return headers, nil
}
