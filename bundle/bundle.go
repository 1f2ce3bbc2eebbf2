// Package bundle reads OPA bundle archives: gzipped tarballs carrying a
// compiled policy module, an optional data document, an optional manifest,
// and the Rego sources the bundle was built from.
package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path"
	"strings"

	"github.com/policyrun/opawasm/errors"
)

// Manifest is the bundle's .manifest document.
type Manifest struct {
	Revision string         `json:"revision,omitempty"`
	Roots    []string       `json:"roots,omitempty"`
	Wasm     []WasmResolver `json:"wasm,omitempty"`
}

// WasmResolver maps an entrypoint path to a compiled module within the
// bundle.
type WasmResolver struct {
	Entrypoint string `json:"entrypoint"`
	Module     string `json:"module"`
}

// Bundle is the unpacked archive. Policy holds the selected compiled module;
// Data is nil when the archive carries no data.json.
type Bundle struct {
	Manifest Manifest
	Policy   []byte
	Data     json.RawMessage
	Rego     map[string][]byte
}

// FromFile reads a bundle archive from disk.
func FromFile(filename string) (*Bundle, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.IO(errors.PhaseBundle, err, "open bundle")
	}
	defer f.Close()
	return FromReader(f)
}

// FromBytes reads a bundle archive from memory.
func FromBytes(data []byte) (*Bundle, error) {
	return FromReader(bytes.NewReader(data))
}

// FromReader reads a gzipped tar bundle archive from r.
func FromReader(r io.Reader) (*Bundle, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.IO(errors.PhaseBundle, err, "read gzip stream")
	}
	defer gz.Close()

	b := &Bundle{Rego: map[string][]byte{}}
	wasmFiles := map[string][]byte{}
	haveManifest := false

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.IO(errors.PhaseBundle, err, "read tar stream")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := normalize(hdr.Name)
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, errors.IO(errors.PhaseBundle, err, "read "+name)
		}

		switch {
		case name == ".manifest":
			if err := json.Unmarshal(content, &b.Manifest); err != nil {
				return nil, errors.MalformedValue(errors.PhaseBundle, err, "parse manifest")
			}
			haveManifest = true
		case name == "data.json":
			if !json.Valid(content) {
				return nil, errors.InvalidInput(errors.PhaseBundle, "data.json is not valid JSON")
			}
			b.Data = content
		case strings.HasSuffix(name, ".wasm"):
			wasmFiles[name] = content
		case strings.HasSuffix(name, ".rego"):
			b.Rego[name] = content
		}
	}

	policy, err := selectPolicy(wasmFiles, haveManifest, b.Manifest)
	if err != nil {
		return nil, err
	}
	b.Policy = policy
	return b, nil
}

// selectPolicy picks the compiled module. A manifest with wasm resolvers
// names the module explicitly; without one the archive must carry exactly
// one .wasm file.
func selectPolicy(wasmFiles map[string][]byte, haveManifest bool, m Manifest) ([]byte, error) {
	if len(wasmFiles) == 0 {
		return nil, errors.InvalidInput(errors.PhaseBundle, "bundle contains no compiled policy module")
	}

	if haveManifest && len(m.Wasm) > 0 {
		name := normalize(m.Wasm[0].Module)
		policy, ok := wasmFiles[name]
		if !ok {
			return nil, errors.InvalidInput(errors.PhaseBundle, "manifest names module %q but the bundle does not contain it", name)
		}
		return policy, nil
	}

	if len(wasmFiles) > 1 {
		return nil, errors.InvalidInput(errors.PhaseBundle, "bundle contains %d compiled modules and no manifest to choose one", len(wasmFiles))
	}
	for _, policy := range wasmFiles {
		return policy, nil
	}
	return nil, nil // unreachable
}

func normalize(name string) string {
	name = path.Clean(name)
	return strings.TrimPrefix(name, "/")
}
