package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coffersTech/logbook/internal/model"
	"github.com/coffersTech/logbook/internal/pkg/security"
	"github.com/coffersTech/logbook/internal/validator"
	"github.com/klauspost/compress/zstd"
	"github.com/valyala/fastjson"
)

// Image layers, outermost first: optional encryption, optional zstd, JSON.
// An encrypted image is the header, the key fingerprint, then the sealed bytes.
var (
	encryptedHeader = []byte("LBK1")
	zstdMagic       = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// ErrCorrupt marks an image that cannot be read back as a valid collection.
var ErrCorrupt = errors.New("corrupt record image")

// ErrNoKey is returned when an encrypted image is found but no key is set.
var ErrNoKey = errors.New("record image is encrypted but no key is configured")

// image is the persisted envelope. Keeping the collection under a key leaves
// room for sibling fields without a format migration.
type image struct {
	Logs model.Collection `json:"logs"`
}

type codec struct {
	encoder *zstd.Encoder // nil when compression is off
	decoder *zstd.Decoder
	cipher  *security.Cipher
}

func newCodec(compress bool, c *security.Cipher) (*codec, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	cd := &codec{decoder: dec, cipher: c}
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		cd.encoder = enc
	}
	return cd, nil
}

func (c *codec) encode(coll model.Collection) ([]byte, error) {
	if coll == nil {
		coll = model.Collection{}
	}
	data, err := json.Marshal(image{Logs: coll})
	if err != nil {
		return nil, err
	}

	if c.encoder != nil {
		data = c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	}

	if c.cipher != nil {
		sealed, err := c.cipher.Encrypt(data)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 0, len(encryptedHeader)+security.FingerprintSize+len(sealed))
		out = append(out, encryptedHeader...)
		out = append(out, c.cipher.Fingerprint()...)
		data = append(out, sealed...)
	}
	return data, nil
}

// decode returns ErrCorrupt for anything that does not parse, including
// sealed bytes that fail authentication under the matching key. Key problems
// are returned as they are: an image sealed under another key, or with no
// key configured, may be perfectly valid.
func (c *codec) decode(data []byte) (model.Collection, error) {
	if bytes.HasPrefix(data, encryptedHeader) {
		body := data[len(encryptedHeader):]
		if len(body) < security.FingerprintSize+security.SealedOverhead {
			return nil, fmt.Errorf("%w: encrypted image truncated to %d bytes", ErrCorrupt, len(data))
		}
		if c.cipher == nil {
			return nil, ErrNoKey
		}
		fingerprint, sealed := body[:security.FingerprintSize], body[security.FingerprintSize:]
		if !bytes.Equal(fingerprint, c.cipher.Fingerprint()) {
			return nil, security.ErrKeyMismatch
		}
		plain, err := c.cipher.Decrypt(sealed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		data = plain
	}

	if bytes.HasPrefix(data, zstdMagic) {
		raw, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		data = raw
	}

	return parseImage(data)
}

// parseImage runs every stored record back through the validator, so a
// tampered or truncated image is never half-accepted.
func parseImage(data []byte) (model.Collection, error) {
	var p fastjson.Parser
	v, err := p.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if v.Type() != fastjson.TypeObject {
		return nil, fmt.Errorf("%w: top-level value is %s, want object", ErrCorrupt, v.Type())
	}

	logs := v.Get("logs")
	if logs == nil || logs.Type() != fastjson.TypeArray {
		return nil, fmt.Errorf("%w: missing logs array", ErrCorrupt)
	}

	arr, _ := logs.Array()
	coll := make(model.Collection, 0, len(arr))
	for i, item := range arr {
		rec, err := validator.Validate(item)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrCorrupt, i, err)
		}
		coll = append(coll, rec)
	}
	return coll, nil
}
