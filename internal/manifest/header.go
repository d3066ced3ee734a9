package manifest

import (
	"bytes"
	"embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/BadgerOps/packshare/internal/shareerr"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Magic prefixes every distributed package.
var Magic = [4]byte{'P', 'K', 'S', 'H'}

// MaxHeaderSize caps the manifest document a consumer will read.
const MaxHeaderSize = 1 << 20

//go:embed schema/manifest.schema.json
var schemaFS embed.FS

var (
	headerSchema     *jsonschema.Schema
	headerSchemaOnce sync.Once
	headerSchemaErr  error
)

func loadSchema() (*jsonschema.Schema, error) {
	headerSchemaOnce.Do(func() {
		data, err := schemaFS.ReadFile("schema/manifest.schema.json")
		if err != nil {
			headerSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("manifest.schema.json", bytes.NewReader(data)); err != nil {
			headerSchemaErr = err
			return
		}
		headerSchema, headerSchemaErr = compiler.Compile("manifest.schema.json")
	})
	return headerSchema, headerSchemaErr
}

// EncodeHeader returns the magic, length prefix and manifest document.
func EncodeHeader(m *Manifest) ([]byte, error) {
	out := *m
	if out.Saves.Worlds == nil {
		out.Saves.Worlds = []string{}
	}
	doc, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	if len(doc) > MaxHeaderSize {
		return nil, fmt.Errorf("manifest is %d bytes, limit is %d", len(doc), MaxHeaderSize)
	}
	buf := make([]byte, 0, len(Magic)+4+len(doc))
	buf = append(buf, Magic[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(doc)))
	buf = append(buf, doc...)
	return buf, nil
}

// WriteHeader writes the encoded header to w.
func WriteHeader(w io.Writer, m *Manifest) (int, error) {
	buf, err := EncodeHeader(m)
	if err != nil {
		return 0, err
	}
	return w.Write(buf)
}

// ReadHeader reads and validates a package header from r. On success r is
// positioned at the first body byte; the returned byte slice is the raw
// header exactly as read. Failures carry the ManifestInvalid kind.
func ReadHeader(r io.Reader) (*Manifest, []byte, error) {
	var prefix [8]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil, invalid("package is shorter than its header prefix", err)
		}
		return nil, nil, err
	}
	if !bytes.Equal(prefix[:4], Magic[:]) {
		return nil, nil, invalid("not a packshare package (bad magic)", nil)
	}
	n := binary.BigEndian.Uint32(prefix[4:])
	if n == 0 || n > MaxHeaderSize {
		return nil, nil, invalid(fmt.Sprintf("header length %d out of range", n), nil)
	}

	doc := make([]byte, n)
	if _, err := io.ReadFull(r, doc); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil, invalid("truncated header", err)
		}
		return nil, nil, err
	}

	m, err := DecodeDocument(doc)
	if err != nil {
		return nil, nil, err
	}
	raw := make([]byte, 0, len(prefix)+len(doc))
	raw = append(raw, prefix[:]...)
	raw = append(raw, doc...)
	return m, raw, nil
}

// DecodeDocument validates a manifest JSON document against the schema and
// the model invariants.
func DecodeDocument(doc []byte) (*Manifest, error) {
	var generic any
	if err := json.Unmarshal(doc, &generic); err != nil {
		return nil, invalid("header is not valid JSON", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("loading manifest schema: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return nil, invalid(fmt.Sprintf("schema validation failed: %s", verr.Error()), nil)
		}
		return nil, invalid("schema validation failed", err)
	}

	var m Manifest
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, invalid("decoding manifest", err)
	}
	if err := Validate(&m); err != nil {
		return nil, invalid("manifest failed validation", err)
	}
	return &m, nil
}

func invalid(msg string, err error) error {
	return shareerr.Wrap(shareerr.ManifestInvalid, "read_header", "", err, msg)
}
