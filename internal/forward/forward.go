// Package forward defines the interface a cross-node peer presents to
// the local pipeline core: given a destination and an already-encoded
// batch, forward it and report whether the remote node accepted it.
// Cluster discovery — how a destination is chosen — is out of scope
// here; this package only fixes the shape a discovery layer plugs into
// and ships one concrete, optional HTTP implementation.
package forward

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/blake2b"
)

// Destination identifies a remote node's forwarding endpoint.
type Destination struct {
	NodeID string
	Addr   string // host:port
}

// Forwarder forwards an already wire-encoded batch (internal/codec's
// Encode output) to a destination selected by a cluster-discovery layer
// this package does not implement.
type Forwarder interface {
	Forward(ctx context.Context, dest Destination, encoded []byte) error
}

// HTTPForwarder is a thin resty-based Forwarder: it gzips the encoded
// batch and POSTs it to the destination's /batch endpoint.
type HTTPForwarder struct {
	client *resty.Client
}

// NewHTTPForwarder builds a Forwarder with the given per-request
// timeout.
func NewHTTPForwarder(timeout time.Duration) *HTTPForwarder {
	return &HTTPForwarder{client: resty.New().SetTimeout(timeout)}
}

// Forward gzips encoded and POSTs it to dest's /batch endpoint,
// returning an error if the request fails or the remote node responds
// with an error status (4xx or 5xx).
func (f *HTTPForwarder) Forward(ctx context.Context, dest Destination, encoded []byte) error {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(encoded); err != nil {
		return fmt.Errorf("forward: compress: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("forward: compress: %w", err)
	}

	// The codec's own header checksum only covers count/capacity/batch_id,
	// not the record body; a digest over the full wire payload catches
	// corruption introduced in transit before the remote even decodes it.
	digest := blake2b.Sum256(encoded)

	resp, err := f.client.R().
		SetContext(ctx).
		SetHeader("Content-Encoding", "gzip").
		SetHeader("Content-Type", "application/octet-stream").
		SetHeader("X-Batch-Digest", hex.EncodeToString(digest[:])).
		SetBody(buf.Bytes()).
		Post(fmt.Sprintf("http://%s/batch", dest.Addr))
	if err != nil {
		return fmt.Errorf("forward: request to %s: %w", dest.NodeID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("forward: node %s responded %s", dest.NodeID, resp.Status())
	}
	return nil
}
