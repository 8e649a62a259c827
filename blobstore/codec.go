// Copyright 2025 Michael J. Fromberger. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blobstore

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
)

// Compression identifies the algorithm applied to a stored payload.
// The tag is recorded in the entry metadata and never inferred from
// the payload bytes.
type Compression int

const (
	AlgoUnknown Compression = iota // not a valid stored tag
	AlgoNone
	AlgoDeflate
	AlgoGzip
)

// Tag returns the metadata tag for c.
func (c Compression) Tag() string {
	switch c {
	case AlgoNone:
		return "none"
	case AlgoDeflate:
		return "deflate"
	case AlgoGzip:
		return "gzip"
	}
	return "unknown"
}

// ParseCompression maps a metadata tag to its algorithm.
func ParseCompression(tag string) (Compression, error) {
	switch tag {
	case "none":
		return AlgoNone, nil
	case "deflate":
		return AlgoDeflate, nil
	case "gzip":
		return AlgoGzip, nil
	}
	return AlgoUnknown, fmt.Errorf("unknown compression tag %q", tag)
}

// Level selects the compression effort for new payloads.
type Level int

const (
	CompressDefault Level = iota // flate default level
	CompressOff                  // store payloads uncompressed
	CompressMax                  // best compression
)

func (v Level) flateLevel() int {
	if v == CompressMax {
		return flate.BestCompression
	}
	return flate.DefaultCompression
}

// compressRequest is the resolved compression decision for one payload.
type compressRequest struct {
	algo  Compression
	level Level
}

// encodePayload compresses data per req. If the compressed form is not
// smaller than the input, the payload is stored uncompressed and the
// tag reports that, so compressed_size never exceeds uncompressed_size
// by more than the container overhead of the chosen algorithm.
func encodePayload(data []byte, req compressRequest) ([]byte, Compression, error) {
	switch req.algo {
	case AlgoNone:
		return data, AlgoNone, nil
	case AlgoDeflate:
		var buf bytes.Buffer
		z, err := flate.NewWriter(&buf, req.level.flateLevel())
		if err != nil {
			return nil, AlgoUnknown, err
		}
		if _, err := z.Write(data); err != nil {
			return nil, AlgoUnknown, err
		}
		if err := z.Close(); err != nil {
			return nil, AlgoUnknown, err
		}
		if buf.Len() >= len(data) {
			return data, AlgoNone, nil
		}
		return buf.Bytes(), AlgoDeflate, nil
	case AlgoGzip:
		var buf bytes.Buffer
		z, err := gzip.NewWriterLevel(&buf, req.level.flateLevel())
		if err != nil {
			return nil, AlgoUnknown, err
		}
		if _, err := z.Write(data); err != nil {
			return nil, AlgoUnknown, err
		}
		if err := z.Close(); err != nil {
			return nil, AlgoUnknown, err
		}
		if buf.Len() >= len(data) {
			return data, AlgoNone, nil
		}
		return buf.Bytes(), AlgoGzip, nil
	}
	return nil, AlgoUnknown, fmt.Errorf("unsupported compression %q", req.algo.Tag())
}

// decodePayload reverses encodePayload according to the stored tag.
func decodePayload(blob []byte, algo Compression) ([]byte, error) {
	switch algo {
	case AlgoNone:
		return blob, nil
	case AlgoDeflate:
		r := flate.NewReader(bytes.NewReader(blob))
		defer r.Close()
		return io.ReadAll(r)
	case AlgoGzip:
		r, err := gzip.NewReader(bytes.NewReader(blob))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	}
	return nil, fmt.Errorf("unsupported compression %q", algo.Tag())
}
