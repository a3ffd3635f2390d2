package persist

import (
	"fmt"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// ComputeCID computes a CIDv1 (raw codec, SHA2-256) for the given data.
func ComputeCID(data []byte) (gocid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return gocid.Undef, fmt.Errorf("multihash: %w", err)
	}
	return gocid.NewCidV1(gocid.Raw, mh), nil
}

// Checksum returns the base32 text form of the CID of data, as recorded in
// the manifest.
func Checksum(data []byte) (string, error) {
	c, err := ComputeCID(data)
	if err != nil {
		return "", err
	}
	return multibase.Encode(multibase.Base32, c.Bytes())
}

// verifyChecksum checks data against a manifest checksum.
func verifyChecksum(path string, data []byte, want string) error {
	_, raw, err := multibase.Decode(want)
	if err != nil {
		return formatErrf(path, 0, err, "bad checksum %q", want)
	}
	wantCID, err := gocid.Cast(raw)
	if err != nil {
		return formatErrf(path, 0, err, "bad checksum %q", want)
	}
	got, err := ComputeCID(data)
	if err != nil {
		return err
	}
	if !got.Equals(wantCID) {
		gotText, _ := multibase.Encode(multibase.Base32, got.Bytes())
		return &ChecksumMismatchError{Path: path, Want: want, Got: gotText}
	}
	return nil
}
