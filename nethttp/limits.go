// Package nethttp implements the net/http capability: an HTTP/1.1 listener
// thread with request framing over the ZCL1 control channel, inline /
// streaming / multipart request bodies, streaming responses, and an
// outbound fetch client.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package nethttp

import (
	"github.com/frogfishio/zingcore/cmn/cos"
	"github.com/frogfishio/zingcore/cmn/nlog"
	jsoniter "github.com/json-iterator/go"
)

// Limits are loaded once per handle from the environment; every knob is
// clamped into its [min, max] range.
type Limits struct {
	MaxReqLineBytes    uint32 `json:"max_req_line_bytes"`
	MaxHeaderBytes     uint32 `json:"max_header_bytes"`
	MaxHeaderCount     uint32 `json:"max_header_count"`
	MaxInlineBodyBytes uint32 `json:"max_inline_body_bytes"`
	MaxInflight        uint32 `json:"max_inflight_requests"`

	MaxFetchURLBytes uint32 `json:"max_fetch_url_bytes"`

	MpMaxParts         uint32 `json:"multipart_max_parts"`
	MpMaxHeaderBytes   uint32 `json:"multipart_max_header_bytes"`
	MpMaxHeaderCount   uint32 `json:"multipart_max_header_count"`
	MpMaxNameBytes     uint32 `json:"multipart_max_name_bytes"`
	MpMaxFilenameBytes uint32 `json:"multipart_max_filename_bytes"`
}

func LoadLimits() (lim Limits) {
	lim.MaxReqLineBytes = cos.ParseEnvUint32("ZI_HTTP_MAX_REQ_LINE_BYTES", 8192, 512, 65536)
	lim.MaxHeaderBytes = cos.ParseEnvUint32("ZI_HTTP_MAX_HEADER_BYTES", 64*cos.KiB, cos.KiB, cos.MiB)
	lim.MaxHeaderCount = cos.ParseEnvUint32("ZI_HTTP_MAX_HEADER_COUNT", 128, 1, 4096)
	lim.MaxInlineBodyBytes = cos.ParseEnvUint32("ZI_HTTP_MAX_INLINE_BODY_BYTES", cos.MiB, 0, 64*cos.MiB)
	lim.MaxInflight = cos.ParseEnvUint32("ZI_HTTP_MAX_INFLIGHT_REQUESTS", 256, 1, 4096)

	lim.MaxFetchURLBytes = cos.ParseEnvUint32("ZI_HTTP_MAX_FETCH_URL_BYTES", 8192, 256, cos.MiB)

	lim.MpMaxParts = cos.ParseEnvUint32("ZI_HTTP_MAX_MULTIPART_PARTS", 128, 1, 65535)
	lim.MpMaxHeaderBytes = cos.ParseEnvUint32("ZI_HTTP_MAX_MULTIPART_HEADER_BYTES", 16384, 256, cos.MiB)
	lim.MpMaxHeaderCount = cos.ParseEnvUint32("ZI_HTTP_MAX_MULTIPART_HEADER_COUNT", 64, 1, 4096)
	lim.MpMaxNameBytes = cos.ParseEnvUint32("ZI_HTTP_MAX_MULTIPART_NAME_BYTES", 256, 1, 65535)
	lim.MpMaxFilenameBytes = cos.ParseEnvUint32("ZI_HTTP_MAX_MULTIPART_FILENAME_BYTES", 1024, 1, cos.MiB)

	if b, err := jsoniter.Marshal(&lim); err == nil {
		nlog.Infof("net/http limits: %s", b)
	}
	return lim
}
