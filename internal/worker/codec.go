package worker

import (
	cbor "github.com/fxamacker/cbor/v2"
)

// codec encodes the messages exchanged with a worker. Encoding is canonical so
// the same task always produces the same bytes.
type codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCodec() (codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return codec{}, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return codec{}, err
	}
	return codec{enc: em, dec: dm}, nil
}

var wire = func() codec {
	c, err := newCodec()
	if err != nil {
		panic(err)
	}
	return c
}()
